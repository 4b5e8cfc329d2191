package protocols

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/metrics"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/validation"
	"github.com/trackserver/trackserver/types"
)

const (
	authRealm          = "trackserver"
	localTimeLayout    = "2006-01-02 15:04:05"
	millisecondsDigits = 13
)

var errMissingCredentials = errors.New("missing credentials")

// fixInput is the validated shape shared by every single-fix protocol.
type fixInput struct {
	Latitude  float64 `validate:"latitude"`
	Longitude float64 `validate:"longitude"`
	Altitude  float64
	Speed     float64 `validate:"gte=0"`
	Heading   float64
	Occurred  time.Time
	Comment   string `validate:"max=255"`
}

func (f fixInput) validate() error {
	if err := validation.ValidateStruct(&f); err != nil {
		return fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	return nil
}

func (f fixInput) location(trackID int64) types.Location {
	return types.Location{
		TrackID:   trackID,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Altitude:  f.Altitude,
		Speed:     f.Speed,
		Heading:   f.Heading,
		Occurred:  f.Occurred,
		Comment:   f.Comment,
	}
}

// record stores f on track unless a geofence discards it. stored reports
// whether a row was written.
func (d Deps) record(ctx context.Context, identity services.Identity, track types.Track, f fixInput, protocol string) (loc types.Location, stored bool, err error) {
	action, err := d.Fences.Evaluate(ctx, identity.User.ID, f.Latitude, f.Longitude)
	if err != nil {
		return types.Location{}, false, err
	}
	if action == types.FenceDiscard {
		logging.Ctx(ctx).Debug().Int64("user_id", identity.User.ID).Str("protocol", protocol).Msg("location discarded by geofence")
		return types.Location{}, false, nil
	}

	loc = f.location(track.ID)
	loc.Hidden = action == types.FenceHide
	loc, err = d.Tracks.AppendLocation(ctx, identity.User.ID, loc, protocol)
	if err != nil {
		return types.Location{}, false, err
	}
	return loc, true, nil
}

// recordOnNamedTrack resolves the owner's track called name and records f.
func (d Deps) recordOnNamedTrack(ctx context.Context, identity services.Identity, name, source string, f fixInput, protocol string) (types.Track, error) {
	track, err := d.Tracks.ResolveTrack(ctx, identity.User.ID, name, source)
	if err != nil {
		return types.Track{}, err
	}
	if _, _, err := d.record(ctx, identity, track, f, protocol); err != nil {
		return types.Track{}, err
	}
	return track, nil
}

// filterFences applies the user's fences to a batch, dropping discarded
// locations and flagging hidden ones.
func (d Deps) filterFences(ctx context.Context, userID int64, locs []types.Location) ([]types.Location, error) {
	fences, err := d.Fences.Fences(ctx, userID)
	if err != nil {
		return nil, err
	}
	kept := locs[:0]
	for _, loc := range locs {
		switch services.EvaluateFences(fences, loc.Latitude, loc.Longitude) {
		case types.FenceDiscard:
			continue
		case types.FenceHide:
			loc.Hidden = true
		}
		kept = append(kept, loc)
	}
	return kept, nil
}

// formValue returns the first non-empty value among names.
func formValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.FormValue(name)); v != "" {
			return v
		}
	}
	return ""
}

// floatParam parses the first present parameter among names. Absent
// parameters yield zero.
func floatParam(r *http.Request, names ...string) (float64, error) {
	raw := formValue(r, names...)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", services.ErrValidation, names[0])
	}
	return v, nil
}

// requiredFloat is floatParam for mandatory parameters.
func requiredFloat(r *http.Request, name string) (float64, error) {
	if formValue(r, name) == "" {
		return 0, fmt.Errorf("%w: missing %s", services.ErrValidation, name)
	}
	return floatParam(r, name)
}

// epochToNaive converts a seconds or milliseconds epoch to naive local time.
// Thirteen digits or more are milliseconds.
func epochToNaive(tracks *services.TrackService, raw string) (time.Time, bool, error) {
	digits := strings.TrimPrefix(raw, "-")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: invalid timestamp %q", services.ErrValidation, raw)
	}
	if len(digits) >= millisecondsDigits {
		at := time.UnixMilli(v)
		return tracks.Zone().Batch(at).Naive(at), true, nil
	}
	at := time.Unix(v, 0)
	return tracks.Zone().Batch(at).Naive(at), false, nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+authRealm+`"`)
}

// authenticate validates username and secret and requires perm. A missing
// username yields errMissingCredentials.
func (d Deps) authenticate(ctx context.Context, username, secret string, policy services.PasswordPolicy, perm types.Permission) (services.Identity, error) {
	if username == "" {
		return services.Identity{}, errMissingCredentials
	}
	identity, err := d.Credentials.Validate(ctx, username, secret, policy)
	if err != nil {
		return services.Identity{}, err
	}
	if err := identity.EnsurePermission(perm); err != nil {
		return services.Identity{}, err
	}
	return identity, nil
}

// statusFor maps an adapter error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrUnauthenticated), errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// failureReason labels an error for the ingest error metric.
func failureReason(err error) string {
	switch statusFor(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "auth"
	case http.StatusBadRequest:
		return "invalid"
	default:
		return "store"
	}
}

// recordFailure counts client errors. Store errors are counted where they
// happen and only logged here.
func recordFailure(ctx context.Context, protocol string, err error) {
	reason := failureReason(err)
	if reason == "store" {
		logging.Ctx(ctx).Error().Err(err).Str("protocol", protocol).Msg("tracker request failed")
		return
	}
	metrics.RecordIngestError(protocol, reason)
}
