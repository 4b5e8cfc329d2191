package protocols

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

const mapMyTracksSource = "MapMyTracks"

// mmtPoints matches a whole list of "lat lon alt epoch" quadruples.
var mmtPoints = regexp.MustCompile(`^-?\d+(?:\.\d+)? -?\d+(?:\.\d+)? -?\d+(?:\.\d+)? \d+(?: -?\d+(?:\.\d+)? -?\d+(?:\.\d+)? -?\d+(?:\.\d+)? \d+)*$`)

type mmtRequest int

const (
	mmtStartActivity mmtRequest = iota + 1
	mmtUpdateActivity
	mmtStopActivity
	mmtUploadActivity
	mmtGetTime
)

func parseMMTRequest(raw string) (mmtRequest, bool) {
	switch raw {
	case "start_activity":
		return mmtStartActivity, true
	case "update_activity":
		return mmtUpdateActivity, true
	case "stop_activity":
		return mmtStopActivity, true
	case "upload_activity":
		return mmtUploadActivity, true
	case "get_time":
		return mmtGetTime, true
	default:
		return 0, false
	}
}

type mmtMessage struct {
	XMLName    xml.Name `xml:"message"`
	Type       string   `xml:"type"`
	ActivityID int64    `xml:"activity_id,omitempty"`
	ID         int64    `xml:"id,omitempty"`
	ServerTime int64    `xml:"server_time,omitempty"`
	Reason     string   `xml:"reason,omitempty"`
}

// MapMyTracks serves the MapMyTracks API used by OruxMaps. Only the account
// password is accepted.
type MapMyTracks struct {
	deps      Deps
	maxUpload int64
}

func NewMapMyTracks(deps Deps, maxUpload int64) *MapMyTracks {
	return &MapMyTracks{deps: deps, maxUpload: maxUpload}
}

// writeMMT writes msg without declaration whitespace or indentation.
func writeMMT(w http.ResponseWriter, status int, msg mmtMessage) {
	body, err := xml.Marshal(msg)
	if err != nil {
		body = []byte("<message><type>error</type></message>")
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>`))
	_, _ = w.Write(body)
}

func (a *MapMyTracks) fail(w http.ResponseWriter, r *http.Request, err error) {
	recordFailure(r.Context(), ProtocolMapMyTracks, err)
	status := statusFor(err)
	reason := "internal error"
	switch status {
	case http.StatusUnauthorized:
		challenge(w)
		reason = "unauthorized"
	case http.StatusForbidden:
		reason = "forbidden"
	case http.StatusBadRequest:
		reason = strings.TrimPrefix(err.Error(), services.ErrValidation.Error()+": ")
	}
	if errors.Is(err, store.ErrNotFound) {
		status, reason = http.StatusOK, "activity not found"
	}
	writeMMT(w, status, mmtMessage{Type: "error", Reason: reason})
}

func (a *MapMyTracks) Serve(w http.ResponseWriter, r *http.Request, m Match) {
	ctx := r.Context()
	req, ok := parseMMTRequest(formValue(r, "request"))
	if !ok {
		writeMMT(w, http.StatusBadRequest, mmtMessage{Type: "error", Reason: "unknown request"})
		return
	}

	username, secret, _ := r.BasicAuth()
	identity, err := a.deps.authenticate(ctx, username, secret, services.AccountPasswordOnly, types.PermWrite)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	switch req {
	case mmtStartActivity:
		a.start(w, r, identity)
	case mmtUpdateActivity:
		a.update(w, r, identity)
	case mmtStopActivity:
		writeMMT(w, http.StatusOK, mmtMessage{Type: "activity_stopped"})
	case mmtUploadActivity:
		a.upload(w, r, identity)
	case mmtGetTime:
		writeMMT(w, http.StatusOK, mmtMessage{Type: "time", ServerTime: a.deps.Tracks.Instant().Unix()})
	}
}

// start creates a new track for the activity and stores its first points.
func (a *MapMyTracks) start(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	ctx := r.Context()
	locs, err := a.parsePoints(formValue(r, "points"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	name := formValue(r, "title")
	if name == "" {
		at := a.deps.Tracks.Now()
		if len(locs) > 0 {
			at = locs[0].Occurred
		}
		name = a.deps.Namer.Name(ctx, identity.User.ID, mapMyTracksSource, at)
	}
	track, err := a.deps.Tracks.CreateTrack(ctx, types.Track{
		UserID: identity.User.ID,
		Name:   name,
		Source: mapMyTracksSource,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.append(r, identity, track.ID, locs); err != nil {
		a.fail(w, r, err)
		return
	}
	writeMMT(w, http.StatusOK, mmtMessage{Type: "activity_started", ActivityID: track.ID})
}

// update appends points to an activity owned by the caller.
func (a *MapMyTracks) update(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	ctx := r.Context()
	id, err := strconv.ParseInt(formValue(r, "activity_id"), 10, 64)
	if err != nil {
		a.fail(w, r, fmt.Errorf("%w: invalid activity_id", services.ErrValidation))
		return
	}
	track, err := a.deps.Tracks.OwnedTrack(ctx, id, identity.User.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	locs, err := a.parsePoints(formValue(r, "points"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.append(r, identity, track.ID, locs); err != nil {
		a.fail(w, r, err)
		return
	}
	writeMMT(w, http.StatusOK, mmtMessage{Type: "activity_updated"})
}

func (a *MapMyTracks) append(r *http.Request, identity services.Identity, trackID int64, locs []types.Location) error {
	kept, err := a.deps.filterFences(r.Context(), identity.User.ID, locs)
	if err != nil {
		return err
	}
	_, err = a.deps.Tracks.AppendLocations(r.Context(), trackID, kept, ProtocolMapMyTracks)
	return err
}

// parsePoints accepts the whole list or nothing. All epochs of a request
// share the zone offset of the first one.
func (a *MapMyTracks) parsePoints(raw string) ([]types.Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !mmtPoints.MatchString(raw) {
		return nil, fmt.Errorf("%w: malformed points", services.ErrValidation)
	}

	fields := strings.Fields(raw)
	locs := make([]types.Location, 0, len(fields)/4)
	batch := a.deps.Tracks.Batch()
	for i := 0; i < len(fields); i += 4 {
		lat, _ := strconv.ParseFloat(fields[i], 64)
		lon, _ := strconv.ParseFloat(fields[i+1], 64)
		alt, _ := strconv.ParseFloat(fields[i+2], 64)
		epoch, err := strconv.ParseInt(fields[i+3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed points", services.ErrValidation)
		}
		if i == 0 {
			batch = a.deps.Tracks.Zone().Batch(time.Unix(epoch, 0))
		}
		f := fixInput{Latitude: lat, Longitude: lon, Altitude: alt, Occurred: batch.FromEpoch(epoch)}
		if err := f.validate(); err != nil {
			return nil, err
		}
		locs = append(locs, f.location(0))
	}
	return locs, nil
}

// upload imports the GPX document sent as the gpx_file field or file part.
func (a *MapMyTracks) upload(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	data, err := a.gpxFile(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	result, err := a.deps.Importer.Import(r.Context(), identity, data, mapMyTracksSource)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	msg := mmtMessage{Type: "success"}
	if len(result.Tracks) > 0 {
		msg.ID = result.Tracks[0].ID
	}
	writeMMT(w, http.StatusOK, msg)
}

func (a *MapMyTracks) gpxFile(r *http.Request) ([]byte, error) {
	if v := r.FormValue("gpx_file"); v != "" {
		return []byte(v), nil
	}
	file, _, err := r.FormFile("gpx_file")
	if err != nil {
		return nil, fmt.Errorf("%w: missing gpx_file", services.ErrValidation)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, a.maxUpload+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > a.maxUpload {
		return nil, fmt.Errorf("%w: gpx_file too large", services.ErrValidation)
	}
	return data, nil
}
