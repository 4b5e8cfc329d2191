package testutil

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

// MemoryDB is an in-memory stand-in for the PostgreSQL repositories.
// Safe for concurrent use.
type MemoryDB struct {
	mu        sync.Mutex
	users     map[int64]types.User
	meta      map[int64]map[string]any
	tracks    map[int64]types.Track
	locations map[int64]types.Location
	nextID    int64

	batchCalls int

	// FailBatch, when set, is consulted before every InsertBatch call
	// (1-based) and aborts the call when it returns an error.
	FailBatch func(call int) error
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:     make(map[int64]types.User),
		meta:      make(map[int64]map[string]any),
		tracks:    make(map[int64]types.Track),
		locations: make(map[int64]types.Location),
	}
}

func (db *MemoryDB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *MemoryDB) Users() *MemoryUsers         { return &MemoryUsers{db: db} }
func (db *MemoryDB) Meta() *MemoryMeta           { return &MemoryMeta{db: db} }
func (db *MemoryDB) Tracks() *MemoryTracks       { return &MemoryTracks{db: db} }
func (db *MemoryDB) Locations() *MemoryLocations { return &MemoryLocations{db: db} }

// AddUser stores user with the tracker capability unless capabilities are set.
func (db *MemoryDB) AddUser(user types.User) types.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	user.ID = db.id()
	if user.Capabilities == nil {
		user.Capabilities = []types.Capability{types.CapUseTracker}
	}
	db.users[user.ID] = user
	return user
}

// AllLocations returns every stored location of trackID in occurred order.
func (db *MemoryDB) AllLocations(trackID int64) []types.Location {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.locationsOf(trackID)
}

func (db *MemoryDB) locationsOf(trackID int64) []types.Location {
	var out []types.Location
	for _, l := range db.locations {
		if l.TrackID == trackID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Occurred.Equal(out[j].Occurred) {
			return out[i].Occurred.Before(out[j].Occurred)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MemoryUsers implements the user repository.
type MemoryUsers struct{ db *MemoryDB }

func (r *MemoryUsers) GetByID(ctx context.Context, id int64) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (r *MemoryUsers) GetByLogin(ctx context.Context, login string) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Login == login {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *MemoryUsers) ListByIDs(ctx context.Context, ids []int64) ([]types.User, error) {
	return r.filter(func(u types.User) bool { return slices.Contains(ids, u.ID) }), nil
}

func (r *MemoryUsers) ListByLogins(ctx context.Context, logins []string) ([]types.User, error) {
	return r.filter(func(u types.User) bool { return slices.Contains(logins, u.Login) }), nil
}

func (r *MemoryUsers) ListSharingWith(ctx context.Context, login string) ([]types.User, error) {
	return r.filter(func(u types.User) bool {
		profile, ok := r.db.meta[u.ID][store.MetaProfile].(types.Profile)
		return ok && slices.Contains(profile.ShareWith, login)
	}), nil
}

func (r *MemoryUsers) filter(keep func(types.User) bool) []types.User {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []types.User
	for _, u := range r.db.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryUsers) Create(ctx context.Context, user types.User) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Login == user.Login {
			return types.User{}, store.ErrConflict
		}
	}
	user.ID = r.db.id()
	r.db.users[user.ID] = user
	return user, nil
}

func (r *MemoryUsers) Update(ctx context.Context, user types.User) (types.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.users[user.ID]; !ok {
		return types.User{}, store.ErrNotFound
	}
	r.db.users[user.ID] = user
	return user, nil
}

func (r *MemoryUsers) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.users, id)
	return nil
}

// MemoryMeta implements the per-user settings repository.
type MemoryMeta struct{ db *MemoryDB }

func (r *MemoryMeta) get(userID int64, key string) (any, bool) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	v, ok := r.db.meta[userID][key]
	return v, ok
}

func (r *MemoryMeta) set(userID int64, key string, value any) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.meta[userID] == nil {
		r.db.meta[userID] = make(map[string]any)
	}
	r.db.meta[userID][key] = value
}

func (r *MemoryMeta) AppPasswords(ctx context.Context, userID int64) ([]types.AppPassword, error) {
	v, _ := r.get(userID, store.MetaAppPasswords)
	pws, _ := v.([]types.AppPassword)
	return slices.Clone(pws), nil
}

func (r *MemoryMeta) SetAppPasswords(ctx context.Context, userID int64, passwords []types.AppPassword) error {
	r.set(userID, store.MetaAppPasswords, slices.Clone(passwords))
	return nil
}

func (r *MemoryMeta) Geofences(ctx context.Context, userID int64) ([]types.Geofence, error) {
	v, _ := r.get(userID, store.MetaGeofences)
	fences, _ := v.([]types.Geofence)
	return slices.Clone(fences), nil
}

func (r *MemoryMeta) SetGeofences(ctx context.Context, userID int64, fences []types.Geofence) error {
	r.set(userID, store.MetaGeofences, slices.Clone(fences))
	return nil
}

func (r *MemoryMeta) Profile(ctx context.Context, userID int64) (types.Profile, error) {
	v, ok := r.get(userID, store.MetaProfile)
	if !ok {
		return types.Profile{}, store.ErrNotFound
	}
	return v.(types.Profile), nil
}

func (r *MemoryMeta) SetProfile(ctx context.Context, userID int64, profile types.Profile) error {
	r.set(userID, store.MetaProfile, profile)
	return nil
}

func (r *MemoryMeta) EnsureProfile(ctx context.Context, userID int64, profile types.Profile) error {
	if _, ok := r.get(userID, store.MetaProfile); ok {
		return nil
	}
	r.set(userID, store.MetaProfile, profile)
	return nil
}

func (r *MemoryMeta) LegacyTrackerKey(ctx context.Context, userID int64) (string, error) {
	v, ok := r.get(userID, store.MetaLegacyTrackerKey)
	if !ok {
		return "", store.ErrNotFound
	}
	return v.(string), nil
}

func (r *MemoryMeta) SetLegacyTrackerKey(ctx context.Context, userID int64, key string) error {
	r.set(userID, store.MetaLegacyTrackerKey, key)
	return nil
}

func (r *MemoryMeta) ReplaceLegacyTrackerKey(ctx context.Context, userID int64, passwords []types.AppPassword) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.meta[userID] == nil {
		r.db.meta[userID] = make(map[string]any)
	}
	r.db.meta[userID][store.MetaAppPasswords] = slices.Clone(passwords)
	delete(r.db.meta[userID], store.MetaLegacyTrackerKey)
	return nil
}

// MemoryTracks implements the track repository.
type MemoryTracks struct{ db *MemoryDB }

func (r *MemoryTracks) Get(ctx context.Context, id int64) (types.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tracks[id]
	if !ok {
		return types.Track{}, store.ErrNotFound
	}
	return t, nil
}

func (r *MemoryTracks) FindByName(ctx context.Context, userID int64, name string) (types.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var best *types.Track
	for _, t := range r.db.tracks {
		if t.UserID != userID || t.Name != name {
			continue
		}
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) || (t.UpdatedAt.Equal(best.UpdatedAt) && t.ID > best.ID) {
			t := t
			best = &t
		}
	}
	if best == nil {
		return types.Track{}, store.ErrNotFound
	}
	return *best, nil
}

func (r *MemoryTracks) ListByOwner(ctx context.Context, userID int64) ([]types.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []types.Track
	for _, t := range r.db.tracks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r *MemoryTracks) ListByIDs(ctx context.Context, ids []int64) ([]types.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []types.Track
	for _, t := range r.db.tracks {
		if slices.Contains(ids, t.ID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryTracks) Create(ctx context.Context, track types.Track) (types.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	track.ID = r.db.id()
	if track.UpdatedAt.IsZero() {
		track.UpdatedAt = track.CreatedAt
	}
	r.db.tracks[track.ID] = track
	return track, nil
}

func (r *MemoryTracks) Update(ctx context.Context, track types.Track) (types.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	existing, ok := r.db.tracks[track.ID]
	if !ok {
		return types.Track{}, store.ErrNotFound
	}
	existing.Name = track.Name
	existing.Source = track.Source
	existing.Comment = track.Comment
	existing.UpdatedAt = track.UpdatedAt
	r.db.tracks[track.ID] = existing
	return existing, nil
}

func (r *MemoryTracks) SetDistance(ctx context.Context, id, distance int64, updated time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tracks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Distance = distance
	t.UpdatedAt = updated
	r.db.tracks[id] = t
	return nil
}

func (r *MemoryTracks) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.tracks[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.tracks, id)
	for lid, l := range r.db.locations {
		if l.TrackID == id {
			delete(r.db.locations, lid)
		}
	}
	return nil
}

func (r *MemoryTracks) Merge(ctx context.Context, winner int64, losers []int64, name string, updated time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tracks[winner]
	if !ok {
		return store.ErrNotFound
	}
	for lid, l := range r.db.locations {
		if slices.Contains(losers, l.TrackID) {
			l.TrackID = winner
			r.db.locations[lid] = l
		}
	}
	for _, id := range losers {
		delete(r.db.tracks, id)
	}
	t.Name = name
	t.UpdatedAt = updated
	r.db.tracks[winner] = t
	return nil
}

func (r *MemoryTracks) Split(ctx context.Context, source int64, at time.Time, pivot types.Location, next types.Track) (types.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	next.ID = r.db.id()
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = next.CreatedAt
	}
	r.db.tracks[next.ID] = next
	for lid, l := range r.db.locations {
		if l.TrackID == source && l.Occurred.After(at) {
			l.TrackID = next.ID
			r.db.locations[lid] = l
		}
	}
	pivot.ID = r.db.id()
	pivot.TrackID = next.ID
	r.db.locations[pivot.ID] = pivot
	return next, nil
}

// MemoryLocations implements the location repository.
type MemoryLocations struct{ db *MemoryDB }

func (r *MemoryLocations) Insert(ctx context.Context, loc types.Location) (types.Location, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.tracks[loc.TrackID]; !ok {
		return types.Location{}, store.ErrNotFound
	}
	loc.ID = r.db.id()
	r.db.locations[loc.ID] = loc
	return loc, nil
}

func (r *MemoryLocations) InsertBatch(ctx context.Context, locs []types.Location) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.batchCalls++
	if r.db.FailBatch != nil {
		if err := r.db.FailBatch(r.db.batchCalls); err != nil {
			return 0, err
		}
	}
	for _, loc := range locs {
		loc.ID = r.db.id()
		r.db.locations[loc.ID] = loc
	}
	return int64(len(locs)), nil
}

func (r *MemoryLocations) Get(ctx context.Context, id int64) (types.Location, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l, ok := r.db.locations[id]
	if !ok {
		return types.Location{}, store.ErrNotFound
	}
	return l, nil
}

func (r *MemoryLocations) ListByTrack(ctx context.Context, trackID int64) ([]types.Location, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.locationsOf(trackID), nil
}

func (r *MemoryLocations) UpdatePosition(ctx context.Context, id int64, lat, lon float64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l, ok := r.db.locations[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Latitude, l.Longitude = lat, lon
	r.db.locations[id] = l
	return nil
}

func (r *MemoryLocations) UpdateSpeeds(ctx context.Context, speeds map[int64]float64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for id, speed := range speeds {
		if l, ok := r.db.locations[id]; ok {
			l.Speed = speed
			r.db.locations[id] = l
		}
	}
	return nil
}

func (r *MemoryLocations) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.locations[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.locations, id)
	return nil
}

func (r *MemoryLocations) point(l types.Location) types.TrackPoint {
	t := r.db.tracks[l.TrackID]
	u := r.db.users[t.UserID]
	return types.TrackPoint{
		Location:     l,
		TrackName:    t.Name,
		TrackComment: t.Comment,
		Distance:     t.Distance,
		UserID:       u.ID,
		UserLogin:    u.Login,
		DisplayName:  u.DisplayName,
	}
}

func (r *MemoryLocations) ListPoints(ctx context.Context, trackIDs []int64, viewerID int64) ([]types.TrackPoint, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	ids := slices.Clone(trackIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var out []types.TrackPoint
	for _, id := range ids {
		t, ok := r.db.tracks[id]
		if !ok {
			continue
		}
		for _, l := range r.db.locationsOf(id) {
			if l.Hidden && t.UserID != viewerID {
				continue
			}
			out = append(out, r.point(l))
		}
	}
	return out, nil
}

func (r *MemoryLocations) LatestPerUser(ctx context.Context, userIDs []int64, since time.Time) ([]types.TrackPoint, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	latest := make(map[int64]types.Location)
	for _, l := range r.db.locations {
		t, ok := r.db.tracks[l.TrackID]
		if !ok || l.Hidden || !slices.Contains(userIDs, t.UserID) {
			continue
		}
		if !since.IsZero() && l.Occurred.Before(since) {
			continue
		}
		cur, ok := latest[t.UserID]
		if !ok || l.Occurred.After(cur.Occurred) || (l.Occurred.Equal(cur.Occurred) && l.ID > cur.ID) {
			latest[t.UserID] = l
		}
	}

	var out []types.TrackPoint
	for _, l := range latest {
		out = append(out, r.point(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// MemoryLocker serializes per-track work with in-process mutexes.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[int64]*sync.Mutex)}
}

func (l *MemoryLocker) WithTrackLock(ctx context.Context, trackID int64, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[trackID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[trackID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
