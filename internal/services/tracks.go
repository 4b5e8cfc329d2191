package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/trackserver/trackserver/internal/geo"
	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/metrics"
	"github.com/trackserver/trackserver/internal/mq"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

const defaultInsertChunkSize = 500

// TrackRepository defines persistence operations for tracks.
type TrackRepository interface {
	Get(ctx context.Context, id int64) (types.Track, error)
	FindByName(ctx context.Context, userID int64, name string) (types.Track, error)
	ListByOwner(ctx context.Context, userID int64) ([]types.Track, error)
	ListByIDs(ctx context.Context, ids []int64) ([]types.Track, error)
	Create(ctx context.Context, track types.Track) (types.Track, error)
	Update(ctx context.Context, track types.Track) (types.Track, error)
	SetDistance(ctx context.Context, id, distance int64, updated time.Time) error
	Delete(ctx context.Context, id int64) error
	Merge(ctx context.Context, winner int64, losers []int64, name string, updated time.Time) error
	Split(ctx context.Context, source int64, at time.Time, pivot types.Location, next types.Track) (types.Track, error)
}

// LocationRepository defines persistence operations for locations.
type LocationRepository interface {
	Insert(ctx context.Context, loc types.Location) (types.Location, error)
	InsertBatch(ctx context.Context, locs []types.Location) (int64, error)
	Get(ctx context.Context, id int64) (types.Location, error)
	ListByTrack(ctx context.Context, trackID int64) ([]types.Location, error)
	UpdatePosition(ctx context.Context, id int64, lat, lon float64) error
	UpdateSpeeds(ctx context.Context, speeds map[int64]float64) error
	Delete(ctx context.Context, id int64) error
	ListPoints(ctx context.Context, trackIDs []int64, viewerID int64) ([]types.TrackPoint, error)
	LatestPerUser(ctx context.Context, userIDs []int64, since time.Time) ([]types.TrackPoint, error)
}

// TrackLocker serializes multi-step work on one track.
type TrackLocker interface {
	WithTrackLock(ctx context.Context, trackID int64, fn func(ctx context.Context) error) error
}

// LocationPublisher announces stored locations.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, event mq.LocationEvent) error
}

// TrackOptions carries the optional collaborators of a TrackService.
type TrackOptions struct {
	Zone      localtime.Zone
	Clock     localtime.Clock
	ChunkSize int
	Events    LocationPublisher
}

// TrackService encapsulates track and location use-cases.
type TrackService struct {
	tracks    TrackRepository
	locations LocationRepository
	locker    TrackLocker
	zone      localtime.Zone
	clock     localtime.Clock
	chunkSize int
	events    LocationPublisher
}

func NewTrackService(tracks TrackRepository, locations LocationRepository, locker TrackLocker, opts TrackOptions) *TrackService {
	if opts.Clock == nil {
		opts.Clock = localtime.SystemClock{}
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultInsertChunkSize
	}
	return &TrackService{
		tracks:    tracks,
		locations: locations,
		locker:    locker,
		zone:      opts.Zone,
		clock:     opts.Clock,
		chunkSize: opts.ChunkSize,
		events:    opts.Events,
	}
}

// Zone returns the site timezone.
func (s *TrackService) Zone() localtime.Zone {
	return s.zone
}

// Instant returns the current real instant from the service clock.
func (s *TrackService) Instant() time.Time {
	return s.clock.Now()
}

// Now returns the current naive local time.
func (s *TrackService) Now() time.Time {
	return s.zone.Naive(s.clock.Now())
}

// Batch fixes the zone offset at the current instant.
func (s *TrackService) Batch() localtime.Batch {
	return s.zone.Batch(s.clock.Now())
}

func (s *TrackService) GetTrack(ctx context.Context, id int64) (types.Track, error) {
	return s.tracks.Get(ctx, id)
}

func (s *TrackService) FindTrackByName(ctx context.Context, userID int64, name string) (types.Track, error) {
	return s.tracks.FindByName(ctx, userID, name)
}

// FindTrackByID returns the track when requester owns it or may publish
// other users' tracks. Otherwise it reports store.ErrNotFound.
func (s *TrackService) FindTrackByID(ctx context.Context, id int64, requester types.User) (types.Track, error) {
	track, err := s.tracks.Get(ctx, id)
	if err != nil {
		return types.Track{}, err
	}
	if track.UserID != requester.ID && !requester.Can(types.CapPublishOthers) {
		return types.Track{}, store.ErrNotFound
	}
	return track, nil
}

// OwnedTrack returns the track only when owner owns it.
func (s *TrackService) OwnedTrack(ctx context.Context, id, owner int64) (types.Track, error) {
	track, err := s.tracks.Get(ctx, id)
	if err != nil {
		return types.Track{}, err
	}
	if track.UserID != owner {
		return types.Track{}, store.ErrNotFound
	}
	return track, nil
}

func (s *TrackService) ListTracks(ctx context.Context, userID int64) ([]types.Track, error) {
	return s.tracks.ListByOwner(ctx, userID)
}

func (s *TrackService) ListTracksByIDs(ctx context.Context, ids []int64) ([]types.Track, error) {
	return s.tracks.ListByIDs(ctx, ids)
}

// CreateTrack always inserts a new track, stamping creation time when unset.
func (s *TrackService) CreateTrack(ctx context.Context, track types.Track) (types.Track, error) {
	if strings.TrimSpace(track.Name) == "" {
		return types.Track{}, fmt.Errorf("%w: track name is required", ErrValidation)
	}
	if track.CreatedAt.IsZero() {
		track.CreatedAt = s.Now()
	}
	if track.UpdatedAt.IsZero() {
		track.UpdatedAt = track.CreatedAt
	}
	return s.tracks.Create(ctx, track)
}

// ResolveTrack returns the owner's track called name, creating it when missing.
func (s *TrackService) ResolveTrack(ctx context.Context, userID int64, name, source string) (types.Track, error) {
	track, err := s.tracks.FindByName(ctx, userID, name)
	if err == nil {
		return track, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.Track{}, err
	}
	return s.CreateTrack(ctx, types.Track{UserID: userID, Name: name, Source: source})
}

// UpdateTrack sets name, source and comment.
func (s *TrackService) UpdateTrack(ctx context.Context, track types.Track) (types.Track, error) {
	if strings.TrimSpace(track.Name) == "" {
		return types.Track{}, fmt.Errorf("%w: track name is required", ErrValidation)
	}
	track.UpdatedAt = s.Now()
	return s.tracks.Update(ctx, track)
}

// DeleteTrack removes a track and all of its locations.
func (s *TrackService) DeleteTrack(ctx context.Context, id int64) error {
	return s.tracks.Delete(ctx, id)
}

// MergeTracks folds every track of ids into the one with the lowest id and
// names it name. Locations duplicated by an earlier split are kept.
func (s *TrackService) MergeTracks(ctx context.Context, ids []int64, name string) (types.Track, error) {
	unique := dedupIDs(ids)
	if len(unique) < 2 {
		return types.Track{}, ErrMergeNeedsTwo
	}
	if strings.TrimSpace(name) == "" {
		return types.Track{}, fmt.Errorf("%w: track name is required", ErrValidation)
	}

	winner, losers := unique[0], unique[1:]
	err := s.locker.WithTrackLock(ctx, winner, func(ctx context.Context) error {
		if err := s.tracks.Merge(ctx, winner, losers, name, s.Now()); err != nil {
			return fmt.Errorf("merge tracks: %w", err)
		}
		_, err := s.recompute(ctx, winner)
		return err
	})
	if err != nil {
		return types.Track{}, err
	}
	return s.tracks.Get(ctx, winner)
}

// SplitTrack cuts the track after the location at vertex (0-based, in
// occurred order). Later locations move to a new track named "<name> #2",
// which also starts with a copy of the split point.
func (s *TrackService) SplitTrack(ctx context.Context, trackID int64, vertex int) (types.Track, error) {
	source, err := s.tracks.Get(ctx, trackID)
	if err != nil {
		return types.Track{}, err
	}

	var created types.Track
	err = s.locker.WithTrackLock(ctx, trackID, func(ctx context.Context) error {
		locs, err := s.locations.ListByTrack(ctx, trackID)
		if err != nil {
			return err
		}
		if vertex < 0 || vertex >= len(locs)-1 {
			return fmt.Errorf("%w: split point %d out of range", ErrValidation, vertex)
		}
		pivot := locs[vertex]

		now := s.Now()
		created, err = s.tracks.Split(ctx, trackID, pivot.Occurred, pivot, types.Track{
			UserID:    source.UserID,
			Name:      source.Name + " #2",
			CreatedAt: now,
			UpdatedAt: now,
			Source:    source.Source,
			Comment:   source.Comment,
		})
		if err != nil {
			return fmt.Errorf("split track: %w", err)
		}
		if _, err := s.recompute(ctx, trackID); err != nil {
			return err
		}
		distance, err := s.recompute(ctx, created.ID)
		created.Distance = distance
		return err
	})
	if err != nil {
		return types.Track{}, err
	}
	return created, nil
}

// AppendLocation stores a single fix. Distance is not recomputed here.
func (s *TrackService) AppendLocation(ctx context.Context, userID int64, loc types.Location, protocol string) (types.Location, error) {
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = s.Now()
	}
	stored, err := s.locations.Insert(ctx, loc)
	if err != nil {
		metrics.RecordIngestError(protocol, "store")
		return types.Location{}, fmt.Errorf("insert location: %w", err)
	}
	metrics.RecordIngest(protocol, 1)
	s.publish(ctx, userID, stored, protocol)
	return stored, nil
}

// AppendLocations bulk-inserts locs into trackID in chunks and then
// recomputes the track. The first failing chunk aborts the remaining ones.
func (s *TrackService) AppendLocations(ctx context.Context, trackID int64, locs []types.Location, protocol string) (int64, error) {
	if len(locs) == 0 {
		return 0, nil
	}
	now := s.Now()
	for i := range locs {
		locs[i].TrackID = trackID
		if locs[i].CreatedAt.IsZero() {
			locs[i].CreatedAt = now
		}
	}

	var committed int64
	err := s.locker.WithTrackLock(ctx, trackID, func(ctx context.Context) error {
		for start := 0; start < len(locs); start += s.chunkSize {
			end := min(start+s.chunkSize, len(locs))
			n, err := s.locations.InsertBatch(ctx, locs[start:end])
			if err != nil {
				return fmt.Errorf("insert locations: %d of %d committed: %w", committed, len(locs), err)
			}
			committed += n
		}
		_, err := s.recompute(ctx, trackID)
		return err
	})
	if committed > 0 {
		metrics.RecordIngest(protocol, int(committed))
	}
	if err != nil {
		metrics.RecordIngestError(protocol, "store")
		return committed, err
	}
	return committed, nil
}

// RecomputeDistanceAndSpeed refreshes the cached distance of the track and
// fills in missing speeds. Running it twice changes nothing.
func (s *TrackService) RecomputeDistanceAndSpeed(ctx context.Context, trackID int64) (int64, error) {
	var distance int64
	err := s.locker.WithTrackLock(ctx, trackID, func(ctx context.Context) error {
		var err error
		distance, err = s.recompute(ctx, trackID)
		return err
	})
	return distance, err
}

// recompute must run under the track lock.
func (s *TrackService) recompute(ctx context.Context, trackID int64) (int64, error) {
	locs, err := s.locations.ListByTrack(ctx, trackID)
	if err != nil {
		return 0, fmt.Errorf("load locations: %w", err)
	}

	distance, speeds := distanceAndSpeeds(locs)
	if err := s.locations.UpdateSpeeds(ctx, speeds); err != nil {
		return 0, fmt.Errorf("update speeds: %w", err)
	}
	if err := s.tracks.SetDistance(ctx, trackID, distance, s.Now()); err != nil {
		return 0, fmt.Errorf("update distance: %w", err)
	}
	return distance, nil
}

// distanceAndSpeeds walks locs in order and returns the summed segment length
// plus a speed for every location whose stored speed is zero.
func distanceAndSpeeds(locs []types.Location) (int64, map[int64]float64) {
	var total int64
	speeds := make(map[int64]float64)
	for i := 1; i < len(locs); i++ {
		prev, cur := locs[i-1], locs[i]
		d := geo.Distance(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
		total += d
		if cur.Speed == 0 && d > 0 {
			elapsed := cur.Occurred.Sub(prev.Occurred).Seconds()
			if elapsed < 1 {
				elapsed = 1
			}
			speeds[cur.ID] = float64(d) / elapsed
		}
	}
	return total, speeds
}

func (s *TrackService) GetLocation(ctx context.Context, id int64) (types.Location, error) {
	return s.locations.Get(ctx, id)
}

// MoveLocation changes the coordinates of one location and refreshes its track.
func (s *TrackService) MoveLocation(ctx context.Context, id int64, lat, lon float64) (types.Location, error) {
	loc, err := s.locations.Get(ctx, id)
	if err != nil {
		return types.Location{}, err
	}
	err = s.locker.WithTrackLock(ctx, loc.TrackID, func(ctx context.Context) error {
		if err := s.locations.UpdatePosition(ctx, id, lat, lon); err != nil {
			return err
		}
		_, err := s.recompute(ctx, loc.TrackID)
		return err
	})
	if err != nil {
		return types.Location{}, err
	}
	return s.locations.Get(ctx, id)
}

// DeleteLocation removes one location and refreshes its track.
func (s *TrackService) DeleteLocation(ctx context.Context, id int64) error {
	loc, err := s.locations.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.locker.WithTrackLock(ctx, loc.TrackID, func(ctx context.Context) error {
		if err := s.locations.Delete(ctx, id); err != nil {
			return err
		}
		_, err := s.recompute(ctx, loc.TrackID)
		return err
	})
}

// ListLocations returns a track's locations in occurred order.
func (s *TrackService) ListLocations(ctx context.Context, trackID int64) ([]types.Location, error) {
	return s.locations.ListByTrack(ctx, trackID)
}

// ListPoints returns export rows for trackIDs. Hidden locations are included
// only for tracks owned by viewerID.
func (s *TrackService) ListPoints(ctx context.Context, trackIDs []int64, viewerID int64) ([]types.TrackPoint, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	return s.locations.ListPoints(ctx, trackIDs, viewerID)
}

func (s *TrackService) publish(ctx context.Context, userID int64, loc types.Location, protocol string) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishLocation(ctx, mq.NewLocationEvent(loc, userID, protocol)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("location_id", loc.ID).Msg("failed to publish location event")
	}
}

func dedupIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
