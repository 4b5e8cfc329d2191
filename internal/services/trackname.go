package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/store"
)

const sourcePlaceholder = "{source}"

// FormatTrackName expands {source} and the strftime verbs of template for the
// naive local time at. A template strftime rejects is returned with only the
// source substituted.
func FormatTrackName(template, source string, at time.Time) string {
	pattern := strings.ReplaceAll(template, sourcePlaceholder, strings.ReplaceAll(source, "%", "%%"))
	name, err := strftime.Format(pattern, at)
	if err != nil {
		return strings.ReplaceAll(template, sourcePlaceholder, source)
	}
	return name
}

// TrackNamer resolves the naming template of a user.
type TrackNamer struct {
	meta     MetaRepository
	fallback string
}

func NewTrackNamer(meta MetaRepository, fallback string) *TrackNamer {
	return &TrackNamer{meta: meta, fallback: fallback}
}

// Template returns the user's template, or the server default.
func (n *TrackNamer) Template(ctx context.Context, userID int64) string {
	profile, err := n.meta.Profile(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Int64("user_id", userID).Msg("failed to load profile, using default track name")
		}
		return n.fallback
	}
	if strings.TrimSpace(profile.TrackNameTemplate) == "" {
		return n.fallback
	}
	return profile.TrackNameTemplate
}

// Name formats the track name for a fix from source at naive local time at.
func (n *TrackNamer) Name(ctx context.Context, userID int64, source string, at time.Time) string {
	return FormatTrackName(n.Template(ctx, userID), source, at)
}
