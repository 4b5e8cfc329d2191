package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tkrajina/gpxgo/gpx"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/metrics"
	"github.com/trackserver/trackserver/internal/storage"
	"github.com/trackserver/trackserver/types"
)

// ObjectStager holds uploaded documents while they are being processed.
type ObjectStager interface {
	Stage(ctx context.Context, prefix, ext string, data []byte, contentType string) (string, error)
	ReadAll(ctx context.Context, key string, limit int64) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ImportResult summarizes one imported document.
type ImportResult struct {
	Tracks    []types.Track
	Locations int64
	Discarded int
}

// GPXImporter turns GPX documents into tracks.
type GPXImporter struct {
	stager  ObjectStager
	tracks  *TrackService
	fences  *GeofenceEvaluator
	namer   *TrackNamer
	maxSize int64
}

func NewGPXImporter(stager ObjectStager, tracks *TrackService, fences *GeofenceEvaluator, namer *TrackNamer, maxSize int64) *GPXImporter {
	return &GPXImporter{stager: stager, tracks: tracks, fences: fences, namer: namer, maxSize: maxSize}
}

// Import creates one track per <trk> of data. Only GPX 1.0 and 1.1 documents
// with at least one track point are accepted.
func (i *GPXImporter) Import(ctx context.Context, identity Identity, data []byte, source string) (ImportResult, error) {
	if err := identity.EnsurePermission(types.PermWrite); err != nil {
		return ImportResult{}, err
	}
	if i.maxSize > 0 && int64(len(data)) > i.maxSize {
		return ImportResult{}, fmt.Errorf("%w: document exceeds %d bytes", ErrValidation, i.maxSize)
	}

	doc, err := i.stageAndParse(ctx, data)
	if err != nil {
		return ImportResult{}, err
	}

	userID := identity.User.ID
	fences, err := i.fences.Fences(ctx, userID)
	if err != nil {
		return ImportResult{}, err
	}

	batch := i.tracks.Batch()
	if first, ok := firstTimestamp(doc); ok {
		batch = i.tracks.Zone().Batch(first)
	}
	now := i.tracks.Now()

	var result ImportResult
	for _, trk := range doc.Tracks {
		var locs []types.Location
		for _, seg := range trk.Segments {
			for _, pt := range seg.Points {
				action := EvaluateFences(fences, pt.Latitude, pt.Longitude)
				if action == types.FenceDiscard {
					result.Discarded++
					continue
				}
				occurred := now
				if !pt.Timestamp.IsZero() {
					occurred = batch.Naive(pt.Timestamp)
				}
				loc := types.Location{
					Latitude:  pt.Latitude,
					Longitude: pt.Longitude,
					Occurred:  occurred,
					CreatedAt: now,
					Comment:   pt.Comment,
					Hidden:    action == types.FenceHide,
				}
				if pt.Elevation.NotNull() {
					loc.Altitude = pt.Elevation.Value()
				}
				locs = append(locs, loc)
			}
		}
		if len(locs) == 0 {
			continue
		}

		name := strings.TrimSpace(trk.Name)
		if name == "" {
			name = i.namer.Name(ctx, userID, source, locs[0].Occurred)
		}
		track, err := i.tracks.CreateTrack(ctx, types.Track{
			UserID:  userID,
			Name:    name,
			Source:  source,
			Comment: trk.Description,
		})
		if err != nil {
			return result, fmt.Errorf("create track: %w", err)
		}

		n, err := i.tracks.AppendLocations(ctx, track.ID, locs, "gpx")
		result.Locations += n
		if err != nil {
			return result, err
		}
		if refreshed, err := i.tracks.GetTrack(ctx, track.ID); err == nil {
			track = refreshed
		}
		result.Tracks = append(result.Tracks, track)
		metrics.ImportedTracks.Inc()
	}
	return result, nil
}

func (i *GPXImporter) stageAndParse(ctx context.Context, data []byte) (*gpx.GPX, error) {
	key, err := i.stager.Stage(ctx, storage.StagingPrefix, ".gpx", data, "application/gpx+xml")
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	defer func() {
		if err := i.stager.Delete(context.WithoutCancel(ctx), key); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to delete staged upload")
		}
	}()

	limit := i.maxSize
	if limit <= 0 {
		limit = int64(len(data))
	}
	staged, err := i.stager.ReadAll(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("read staged upload: %w", err)
	}

	doc, err := gpx.Parse(bytes.NewReader(staged))
	if err != nil {
		return nil, fmt.Errorf("%w: not a GPX document: %v", ErrValidation, err)
	}
	if doc.Version != "1.0" && doc.Version != "1.1" {
		return nil, fmt.Errorf("%w: unsupported GPX version %q", ErrValidation, doc.Version)
	}
	if countPoints(doc) == 0 {
		return nil, fmt.Errorf("%w: GPX document has no track points", ErrValidation)
	}
	return doc, nil
}

func countPoints(doc *gpx.GPX) int {
	n := 0
	for _, trk := range doc.Tracks {
		for _, seg := range trk.Segments {
			n += len(seg.Points)
		}
	}
	return n
}

func firstTimestamp(doc *gpx.GPX) (t time.Time, ok bool) {
	for _, trk := range doc.Tracks {
		for _, seg := range trk.Segments {
			for _, pt := range seg.Points {
				if !pt.Timestamp.IsZero() {
					return pt.Timestamp, true
				}
			}
		}
	}
	return t, false
}
