package protocols

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/types"
)

const unknownSource = "Unknown"

// GetRequest serves OsmAnd, SendLocation and the generic GET/POST protocol.
// They differ only in URL shape; all of them write one fix per request.
type GetRequest struct {
	deps Deps
}

func NewGetRequest(deps Deps) *GetRequest {
	return &GetRequest{deps: deps}
}

func (a *GetRequest) Serve(w http.ResponseWriter, r *http.Request, m Match) {
	ctx := r.Context()
	username, secret := getCredentials(r, m)

	identity, err := a.deps.authenticate(ctx, username, secret, services.AppPasswordsOnly, types.PermWrite)
	if err != nil {
		a.fail(w, r, m, err)
		return
	}

	f, millis, err := a.parse(r)
	if err != nil {
		a.fail(w, r, m, err)
		return
	}

	source := detectSource(r, millis)
	name := a.deps.Namer.Name(ctx, identity.User.ID, source, f.Occurred)
	track, err := a.deps.recordOnNamedTrack(ctx, identity, name, source, f, m.Protocol)
	if err != nil {
		a.fail(w, r, m, err)
		return
	}

	writeText(w, http.StatusOK, fmt.Sprintf("OK, track ID = %d, timestamp = %s", track.ID, f.Occurred.Format(localTimeLayout)))
}

func (a *GetRequest) fail(w http.ResponseWriter, r *http.Request, m Match, err error) {
	recordFailure(r.Context(), m.Protocol, err)
	status := statusFor(err)
	switch status {
	case http.StatusUnauthorized:
		challenge(w)
		writeText(w, status, "Authentication required")
	case http.StatusForbidden:
		writeText(w, status, "Forbidden")
	case http.StatusBadRequest:
		writeText(w, status, "Bad request")
	default:
		writeText(w, status, "Internal server error")
	}
}

// getCredentials prefers HTTP Basic auth, then the username and key
// parameters, then the credentials embedded in the URL.
func getCredentials(r *http.Request, m Match) (string, string) {
	if user, pass, ok := r.BasicAuth(); ok && user != "" {
		return user, pass
	}
	if user := formValue(r, "username"); user != "" {
		return user, formValue(r, "key")
	}
	return m.Username, m.Password
}

func (a *GetRequest) parse(r *http.Request) (fixInput, bool, error) {
	var f fixInput
	var err error
	if f.Latitude, err = requiredFloat(r, "lat"); err != nil {
		return f, false, err
	}
	if f.Longitude, err = requiredFloat(r, "lon"); err != nil {
		return f, false, err
	}
	if f.Altitude, err = floatParam(r, "altitude", "alt"); err != nil {
		return f, false, err
	}
	if f.Speed, err = floatParam(r, "speed"); err != nil {
		return f, false, err
	}
	if f.Heading, err = floatParam(r, "bearing", "heading"); err != nil {
		return f, false, err
	}
	f.Comment = formValue(r, "comment")

	millis := false
	if raw := formValue(r, "timestamp"); raw != "" {
		f.Occurred, millis, err = epochToNaive(a.deps.Tracks, raw)
		if err != nil {
			return f, false, err
		}
	} else {
		f.Occurred = a.deps.Tracks.Now()
	}

	if err := f.validate(); err != nil {
		return f, false, err
	}
	return f, millis, nil
}

// detectSource names the sending client for the track name template.
func detectSource(r *http.Request, millis bool) string {
	if s := formValue(r, "source"); s != "" {
		return s
	}
	switch {
	case millis:
		return "OsmAnd"
	case formValue(r, "deviceid") != "":
		return "SendLocation"
	case formValue(r, "id") != "" && formValue(r, "batt") != "":
		return "Traccar"
	}
	if product := userAgentProduct(r.UserAgent()); product != "" {
		return product
	}
	return unknownSource
}

// userAgentProduct returns the first product token of a User-Agent header,
// e.g. "okhttp" for "okhttp/4.9.0".
func userAgentProduct(ua string) string {
	fields := strings.Fields(ua)
	if len(fields) == 0 {
		return ""
	}
	product, _, _ := strings.Cut(fields[0], "/")
	return product
}

