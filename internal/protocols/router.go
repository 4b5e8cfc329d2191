package protocols

import (
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/trackserver/trackserver/internal/logging"
)

// Adapter handles a request that matched its descriptor.
type Adapter interface {
	Serve(w http.ResponseWriter, r *http.Request, m Match)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(w http.ResponseWriter, r *http.Request, m Match)

func (f AdapterFunc) Serve(w http.ResponseWriter, r *http.Request, m Match) {
	f(w, r, m)
}

// Descriptor tells the router how to recognise one protocol. Empty Method
// and ContentType match anything. Every name in Params must be present in
// the query string or the form body.
type Descriptor struct {
	Protocol    string
	Pattern     *regexp.Regexp
	Method      string
	ContentType string
	Params      []string
	Adapter     Adapter
}

// Match is the result of a successful dispatch.
type Match struct {
	Protocol string

	// Username and Password come from the URL and are unescaped.
	Username string
	Password string

	// Groups holds every other named group of the pattern.
	Groups map[string]string
}

// Router tries descriptors in order and serves the first that matches.
type Router struct {
	descriptors []Descriptor
	maxMemory   int64
}

func NewRouter(descriptors []Descriptor, maxMemory int64) *Router {
	return &Router{descriptors: descriptors, maxMemory: maxMemory}
}

// NewDefaultRouter wires every adapter into the standard descriptor table.
func NewDefaultRouter(cfg Config, deps Deps) *Router {
	cfg = cfg.withDefaults()
	generic := NewGetRequest(deps)
	return NewRouter(DefaultDescriptors(cfg, Adapters{
		TrackMe:      NewTrackMe(deps),
		MapMyTracks:  NewMapMyTracks(deps, cfg.MaxUploadSize),
		Upload:       NewUpload(deps, cfg.MaxUploadSize),
		OwnTracks:    NewOwnTracks(deps),
		ULogger:      NewULogger(deps, cfg.SessionTTL),
		OsmAnd:       generic,
		SendLocation: generic,
		Generic:      generic,
	}), cfg.MaxUploadSize)
}

// Adapters holds one adapter per protocol.
type Adapters struct {
	TrackMe      Adapter
	MapMyTracks  Adapter
	Upload       Adapter
	OwnTracks    Adapter
	ULogger      Adapter
	OsmAnd       Adapter
	SendLocation Adapter
	Generic      Adapter
}

const credentialGroups = `(?P<user>[^/]+)/(?P<pass>[^/]+)`

// DefaultDescriptors returns the protocol table in priority order. Several
// protocols share the trackserver slug and differ only in method, media type
// or a mandatory parameter, so the order matters.
func DefaultDescriptors(cfg Config, a Adapters) []Descriptor {
	cfg = cfg.withDefaults()
	q := regexp.QuoteMeta
	ts := q(cfg.TrackserverSlug)

	return []Descriptor{
		{
			Protocol: ProtocolTrackMe,
			Pattern:  regexp.MustCompile(`^/` + q(cfg.TrackMeSlug) + `(?:/` + credentialGroups + `)?/(?P<endpoint>requests|export|cloud)\.z$`),
			Adapter:  a.TrackMe,
		},
		{
			Protocol: ProtocolMapMyTracks,
			Pattern:  regexp.MustCompile(`^/` + ts + `/?$`),
			Method:   http.MethodPost,
			Params:   []string{"request"},
			Adapter:  a.MapMyTracks,
		},
		{
			Protocol:    ProtocolUpload,
			Pattern:     regexp.MustCompile(`^/` + ts + `/?$`),
			Method:      http.MethodPost,
			ContentType: "multipart/form-data",
			Adapter:     a.Upload,
		},
		{
			Protocol:    ProtocolOwnTracks,
			Pattern:     regexp.MustCompile(`^/` + ts + `/?$`),
			Method:      http.MethodPost,
			ContentType: "application/json",
			Adapter:     a.OwnTracks,
		},
		{
			Protocol: ProtocolULogger,
			Pattern:  regexp.MustCompile(`^/` + q(cfg.ULoggerSlug) + `/client/index\.php$`),
			Method:   http.MethodPost,
			Params:   []string{"action"},
			Adapter:  a.ULogger,
		},
		{
			Protocol: ProtocolOsmAnd,
			Pattern:  regexp.MustCompile(`^/` + q(cfg.OsmAndSlug) + `/?$`),
			Method:   http.MethodGet,
			Params:   []string{"lat", "lon", "timestamp"},
			Adapter:  a.OsmAnd,
		},
		{
			Protocol: ProtocolSendLocation,
			Pattern:  regexp.MustCompile(`^/` + q(cfg.SendLocationSlug) + `/` + credentialGroups + `/?$`),
			Method:   http.MethodGet,
			Params:   []string{"lat", "lon"},
			Adapter:  a.SendLocation,
		},
		{
			Protocol: ProtocolGeneric,
			Pattern:  regexp.MustCompile(`^/` + ts + `/get(?:/` + credentialGroups + `)?/?$`),
			Params:   []string{"lat", "lon"},
			Adapter:  a.Generic,
		},
	}
}

// Match returns the first descriptor accepting r.
func (rt *Router) Match(r *http.Request) (*Descriptor, Match, bool) {
	path := r.URL.EscapedPath()
	for i := range rt.descriptors {
		d := &rt.descriptors[i]
		groups := d.Pattern.FindStringSubmatch(path)
		if groups == nil {
			continue
		}
		if d.Method != "" && r.Method != d.Method {
			continue
		}
		if d.ContentType != "" && mediaType(r) != d.ContentType {
			continue
		}
		if !rt.hasParams(r, d.Params) {
			continue
		}
		return d, newMatch(d, groups), true
	}
	return nil, Match{}, false
}

// Middleware serves tracker requests and passes everything else to next.
func (rt *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, m, ok := rt.Match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		logging.Ctx(r.Context()).Debug().Str("protocol", d.Protocol).Str("path", r.URL.Path).Msg("tracker request")
		d.Adapter.Serve(w, r, m)
	})
}

func newMatch(d *Descriptor, groups []string) Match {
	m := Match{Protocol: d.Protocol, Groups: make(map[string]string)}
	for i, name := range d.Pattern.SubexpNames() {
		if name == "" || groups[i] == "" {
			continue
		}
		value, err := url.PathUnescape(groups[i])
		if err != nil {
			value = groups[i]
		}
		switch name {
		case "user":
			m.Username = value
		case "pass":
			m.Password = value
		default:
			m.Groups[name] = value
		}
	}
	return m
}

func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

// hasParams parses the form body when needed. Parsing is idempotent, so the
// adapter later reads the same values through r.Form.
func (rt *Router) hasParams(r *http.Request, params []string) bool {
	if len(params) == 0 {
		return true
	}
	var err error
	switch mediaType(r) {
	case "multipart/form-data":
		err = r.ParseMultipartForm(rt.maxMemory)
	default:
		err = r.ParseForm()
	}
	if err != nil {
		return false
	}
	for _, p := range params {
		if !r.Form.Has(p) {
			return false
		}
	}
	return true
}
