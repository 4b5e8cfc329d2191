package protocols

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/validation"
	"github.com/trackserver/trackserver/types"
)

const (
	ownTracksSource   = "OwnTracks"
	ownTracksMaxBody  = 1 << 20
	kmhToMetresPerSec = 1 / 3.6
)

// ownTracksMessage is the subset of an OwnTracks publish we read.
type ownTracksMessage struct {
	Type      string   `json:"_type" validate:"required"`
	Latitude  *float64 `json:"lat" validate:"omitempty,latitude"`
	Longitude *float64 `json:"lon" validate:"omitempty,longitude"`
	Timestamp int64    `json:"tst"`
	Altitude  float64  `json:"alt"`
	Velocity  float64  `json:"vel" validate:"gte=0"`
	Course    float64  `json:"cog"`
}

type ownTracksCard struct {
	Type      string `json:"_type"`
	Name      string `json:"name"`
	TrackerID string `json:"tid"`
	Face      string `json:"face,omitempty"`
}

type ownTracksLocation struct {
	Type      string  `json:"_type"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Timestamp int64   `json:"tst"`
	TrackerID string  `json:"tid"`
	Topic     string  `json:"topic"`
}

// OwnTracks serves the OwnTracks HTTP mode. Every authenticated request is
// answered with the friends list, whatever happened to the payload.
type OwnTracks struct {
	deps Deps
}

func NewOwnTracks(deps Deps) *OwnTracks {
	return &OwnTracks{deps: deps}
}

func (a *OwnTracks) Serve(w http.ResponseWriter, r *http.Request, m Match) {
	ctx := r.Context()
	username, secret, _ := r.BasicAuth()
	identity, err := a.deps.authenticate(ctx, username, secret, services.AppPasswordsOnly, types.PermWrite)
	if err != nil {
		recordFailure(ctx, ProtocolOwnTracks, err)
		status := statusFor(err)
		if status == http.StatusUnauthorized {
			challenge(w)
		}
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	// Unusable messages are skipped. The reply is always 200 with the friends list.
	msg, err := decodeOwnTracks(r.Body)
	switch {
	case err != nil:
		recordFailure(ctx, ProtocolOwnTracks, err)
		logging.Ctx(ctx).Warn().Err(err).Int64("user_id", identity.User.ID).Msg("skipping unusable owntracks message")
	case msg.Type == "location":
		a.store(ctx, identity, msg)
	}

	writeJSON(w, http.StatusOK, a.friends(ctx, identity))
}

func decodeOwnTracks(body io.Reader) (ownTracksMessage, error) {
	var msg ownTracksMessage
	if err := json.NewDecoder(io.LimitReader(body, ownTracksMaxBody)).Decode(&msg); err != nil {
		return msg, fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	if err := validation.ValidateStruct(&msg); err != nil {
		return msg, fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	if msg.Type == "location" && (msg.Latitude == nil || msg.Longitude == nil) {
		return msg, fmt.Errorf("%w: location without coordinates", services.ErrValidation)
	}
	return msg, nil
}

// store writes a location message. Failures are logged but never reach the
// client, whose reply is always the friends list.
func (a *OwnTracks) store(ctx context.Context, identity services.Identity, msg ownTracksMessage) {
	f := fixInput{
		Latitude:  *msg.Latitude,
		Longitude: *msg.Longitude,
		Altitude:  msg.Altitude,
		Speed:     msg.Velocity * kmhToMetresPerSec,
		Heading:   msg.Course,
		Occurred:  a.deps.Tracks.Now(),
	}
	if msg.Timestamp > 0 {
		f.Occurred, _, _ = epochToNaive(a.deps.Tracks, strconv.FormatInt(msg.Timestamp, 10))
	}

	name := a.deps.Namer.Name(ctx, identity.User.ID, ownTracksSource, f.Occurred)
	if _, err := a.deps.recordOnNamedTrack(ctx, identity, name, ownTracksSource, f, ProtocolOwnTracks); err != nil {
		recordFailure(ctx, ProtocolOwnTracks, err)
		logging.Ctx(ctx).Warn().Err(err).Int64("user_id", identity.User.ID).Msg("failed to store owntracks location")
	}
}

// friends builds a card and a location object per friend with a position.
func (a *OwnTracks) friends(ctx context.Context, identity services.Identity) []any {
	out := []any{}
	positions, err := a.deps.Live.FriendPositions(ctx, identity.User, 0)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("user_id", identity.User.ID).Msg("failed to load owntracks friends")
		return out
	}

	zone := a.deps.Tracks.Zone()
	for _, p := range positions {
		tid := trackerID(p.User.Login)
		out = append(out,
			ownTracksCard{
				Type:      "card",
				Name:      p.User.Name(),
				TrackerID: tid,
				Face:      a.face(ctx, p.User),
			},
			ownTracksLocation{
				Type:      "location",
				Latitude:  p.Point.Latitude,
				Longitude: p.Point.Longitude,
				Timestamp: zone.BatchAtNaive(p.Point.Occurred).Instant(p.Point.Occurred).Unix(),
				TrackerID: tid,
				Topic:     "owntracks/" + p.User.Login + "/trackserver",
			},
		)
	}
	return out
}

func (a *OwnTracks) face(ctx context.Context, user types.User) string {
	if a.deps.Avatars == nil || user.Email == "" {
		return ""
	}
	avatar, err := a.deps.Avatars.Avatar(ctx, user.Email)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(avatar.Body)
}

// trackerID is the two-letter OwnTracks label of a login.
func trackerID(login string) string {
	runes := []rune(login)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	return strings.ToUpper(string(runes))
}
