package protocols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trackserver/trackserver/internal/encoder"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

// TrackMe result codes, part of the client contract.
const (
	trackmeOK                 = 0
	trackmeAuthFailed         = 1
	trackmeStoreError         = 2
	trackmeCloudNotConfigured = 3
	trackmeInvalidLocation    = 4
	trackmeMissingTripName    = 6
	trackmeTripNotFound       = 7
)

const (
	trackmeSource    = "TrackMe"
	trackmeCloudHint = "Please enter your username and password in the TrackMe cloud sharing settings"
)

type trackmeAction int

const (
	trackmeUpload trackmeAction = iota + 1
	trackmeTripList
	trackmeTripFull
	trackmeDeleteTrip
	trackmeRenameTrip
)

func parseTrackmeAction(raw string) (trackmeAction, bool) {
	switch raw {
	case "upload":
		return trackmeUpload, true
	case "gettriplist":
		return trackmeTripList, true
	case "gettripfull":
		return trackmeTripFull, true
	case "deletetrip":
		return trackmeDeleteTrip, true
	case "renametrip":
		return trackmeRenameTrip, true
	default:
		return 0, false
	}
}

func (a trackmeAction) permission() types.Permission {
	switch a {
	case trackmeTripList, trackmeTripFull:
		return types.PermRead
	case trackmeDeleteTrip:
		return types.PermDelete
	default:
		return types.PermWrite
	}
}

// TrackMe serves requests.z, export.z and cloud.z of the TrackMe client.
type TrackMe struct {
	deps Deps
}

func NewTrackMe(deps Deps) *TrackMe {
	return &TrackMe{deps: deps}
}

func (a *TrackMe) Serve(w http.ResponseWriter, r *http.Request, m Match) {
	switch m.Groups["endpoint"] {
	case "requests":
		a.requests(w, r, m)
	case "export":
		a.export(w, r, m)
	case "cloud":
		a.cloud(w, r, m)
	default:
		writeResult(w, trackmeStoreError)
	}
}

// trackmeCredentials prefers the URL segments, then the u and p parameters.
func trackmeCredentials(r *http.Request, m Match) (string, string) {
	if m.Username != "" {
		return m.Username, m.Password
	}
	return formValue(r, "u"), formValue(r, "p")
}

func writeResult(w http.ResponseWriter, code int, payload ...string) {
	body := "Result:" + strconv.Itoa(code)
	if len(payload) > 0 {
		body += "|" + strings.Join(payload, "|")
	}
	writeText(w, http.StatusOK, body)
}

func (a *TrackMe) requests(w http.ResponseWriter, r *http.Request, m Match) {
	ctx := r.Context()
	action, ok := parseTrackmeAction(formValue(r, "a"))
	if !ok {
		writeResult(w, trackmeStoreError)
		return
	}

	username, secret := trackmeCredentials(r, m)
	identity, err := a.deps.authenticate(ctx, username, secret, services.AppPasswordsOnly, action.permission())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	switch action {
	case trackmeUpload:
		a.upload(w, r, identity)
	case trackmeTripList:
		a.tripList(w, r, identity)
	case trackmeTripFull:
		a.tripFull(w, r, identity)
	case trackmeDeleteTrip:
		a.deleteTrip(w, r, identity)
	case trackmeRenameTrip:
		a.renameTrip(w, r, identity)
	}
}

func (a *TrackMe) fail(w http.ResponseWriter, r *http.Request, err error) {
	recordFailure(r.Context(), ProtocolTrackMe, err)
	switch statusFor(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		writeResult(w, trackmeAuthFailed)
	case http.StatusBadRequest:
		writeResult(w, trackmeInvalidLocation)
	default:
		writeResult(w, trackmeStoreError)
	}
}

func (a *TrackMe) upload(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	ctx := r.Context()
	name := formValue(r, "tn")
	if name == "" {
		writeResult(w, trackmeMissingTripName)
		return
	}

	f, err := a.parseFix(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if _, err := a.deps.recordOnNamedTrack(ctx, identity, name, trackmeSource, f, ProtocolTrackMe); err != nil {
		a.fail(w, r, err)
		return
	}
	writeResult(w, trackmeOK)
}

// parseFix reads lat, long, alt, ang, sp and the local time in do.
func (a *TrackMe) parseFix(r *http.Request) (fixInput, error) {
	var f fixInput
	var err error
	if f.Latitude, err = requiredFloat(r, "lat"); err != nil {
		return f, err
	}
	if f.Longitude, err = requiredFloat(r, "long"); err != nil {
		return f, err
	}
	if f.Altitude, err = floatParam(r, "alt"); err != nil {
		return f, err
	}
	if f.Heading, err = floatParam(r, "ang"); err != nil {
		return f, err
	}
	if f.Speed, err = floatParam(r, "sp"); err != nil {
		return f, err
	}
	f.Comment = formValue(r, "comments")

	if raw := formValue(r, "do"); raw != "" {
		// TrackMe sends the phone's local wall clock.
		f.Occurred, err = time.Parse(localTimeLayout, raw)
		if err != nil {
			return f, fmt.Errorf("%w: invalid date %q", services.ErrValidation, raw)
		}
	} else {
		f.Occurred = a.deps.Tracks.Now()
	}
	return f, f.validate()
}

func (a *TrackMe) tripList(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	tracks, err := a.deps.Tracks.ListTracks(r.Context(), identity.User.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	lines := make([]string, 0, len(tracks))
	for _, t := range tracks {
		lines = append(lines, t.Name+"|"+t.CreatedAt.Format(localTimeLayout))
	}
	writeResult(w, trackmeOK, strings.Join(lines, "\n"))
}

// namedTrip loads the trip named by tn, answering the client itself when
// it cannot.
func (a *TrackMe) namedTrip(w http.ResponseWriter, r *http.Request, identity services.Identity) (types.Track, bool) {
	name := formValue(r, "tn")
	if name == "" {
		writeResult(w, trackmeMissingTripName)
		return types.Track{}, false
	}
	track, err := a.deps.Tracks.FindTrackByName(r.Context(), identity.User.ID, name)
	if errors.Is(err, store.ErrNotFound) {
		writeResult(w, trackmeTripNotFound)
		return types.Track{}, false
	}
	if err != nil {
		a.fail(w, r, err)
		return types.Track{}, false
	}
	return track, true
}

// tripFull lists the points of a trip in the TrackMe row layout:
// lat|lon|image|comment|icon|occurred|id|altitude|speed|angle.
func (a *TrackMe) tripFull(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	track, ok := a.namedTrip(w, r, identity)
	if !ok {
		return
	}
	locs, err := a.deps.Tracks.ListLocations(r.Context(), track.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	rows := make([]string, 0, len(locs))
	for _, l := range locs {
		rows = append(rows, strings.Join([]string{
			formatCoord(l.Latitude),
			formatCoord(l.Longitude),
			"",
			l.Comment,
			"",
			l.Occurred.Format(localTimeLayout),
			strconv.FormatInt(l.ID, 10),
			strconv.FormatFloat(l.Altitude, 'f', -1, 64),
			strconv.FormatFloat(l.Speed, 'f', -1, 64),
			strconv.FormatFloat(l.Heading, 'f', -1, 64),
		}, "|"))
	}
	writeResult(w, trackmeOK, strings.Join(rows, "\n"))
}

func (a *TrackMe) deleteTrip(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	track, ok := a.namedTrip(w, r, identity)
	if !ok {
		return
	}
	if err := a.deps.Tracks.DeleteTrack(r.Context(), track.ID); err != nil {
		a.fail(w, r, err)
		return
	}
	writeResult(w, trackmeOK)
}

func (a *TrackMe) renameTrip(w http.ResponseWriter, r *http.Request, identity services.Identity) {
	newName := formValue(r, "newname")
	if newName == "" {
		writeResult(w, trackmeMissingTripName)
		return
	}
	track, ok := a.namedTrip(w, r, identity)
	if !ok {
		return
	}
	track.Name = newName
	if _, err := a.deps.Tracks.UpdateTrack(r.Context(), track); err != nil {
		a.fail(w, r, err)
		return
	}
	writeResult(w, trackmeOK)
}

// export renders a trip as GPX when a=gpx.
func (a *TrackMe) export(w http.ResponseWriter, r *http.Request, m Match) {
	ctx := r.Context()
	username, secret := trackmeCredentials(r, m)
	identity, err := a.deps.authenticate(ctx, username, secret, services.AppPasswordsOnly, types.PermRead)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if formValue(r, "a") != "gpx" {
		writeResult(w, trackmeStoreError)
		return
	}

	track, ok := a.namedTrip(w, r, identity)
	if !ok {
		return
	}
	points, err := a.deps.Tracks.ListPoints(ctx, []int64{track.ID}, identity.User.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := encoder.WriteGPX(&buf, points, a.deps.Tracks.Zone()); err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", encoder.FormatGPX.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", track.Name+".gpx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// cloud serves the TrackMe friends feature. Credentials come from the u and
// p parameters first, because the app sends them there for cloud requests.
func (a *TrackMe) cloud(w http.ResponseWriter, r *http.Request, m Match) {
	ctx := r.Context()
	username, secret := formValue(r, "u"), formValue(r, "p")
	if username == "" {
		username, secret = m.Username, m.Password
	}
	if username == "" && secret == "" {
		writeResult(w, trackmeCloudNotConfigured, trackmeCloudHint)
		return
	}

	switch formValue(r, "a") {
	case "update":
		if _, err := a.deps.authenticate(ctx, username, secret, services.AppPasswordsOnly, types.PermWrite); err != nil {
			a.fail(w, r, err)
			return
		}
		// Positions arrive through requests.z; the cloud update is only acknowledged.
		writeResult(w, trackmeOK)
	case "show":
		identity, err := a.deps.authenticate(ctx, username, secret, services.AppPasswordsOnly, types.PermRead)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.showFriends(ctx, w, r, identity)
	default:
		writeResult(w, trackmeStoreError)
	}
}

// showFriends lists name|lat|lon|occurred per friend.
func (a *TrackMe) showFriends(ctx context.Context, w http.ResponseWriter, r *http.Request, identity services.Identity) {
	positions, err := a.deps.Live.FriendPositions(ctx, identity.User, 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	rows := make([]string, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, strings.Join([]string{
			p.User.Name(),
			formatCoord(p.Point.Latitude),
			formatCoord(p.Point.Longitude),
			p.Point.Occurred.Format(localTimeLayout),
		}, "|"))
	}
	writeResult(w, trackmeOK, strings.Join(rows, "\n"))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
