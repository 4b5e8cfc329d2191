package handlers

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/internal/fetch"
	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/testutil"
	"github.com/trackserver/trackserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret   = "test-jwt-secret"
	testPassword = "hunter2"
)

type stubFetcher struct {
	resp fetch.Response
	err  error
	got  string
}

func (f *stubFetcher) Proxy(ctx context.Context, rawURL string) (fetch.Response, error) {
	f.got = rawURL
	return f.resp, f.err
}

type apiFixture struct {
	db       *testutil.MemoryDB
	tracks   *services.TrackService
	settings *services.SettingsService
	fetcher  *stubFetcher
	mux      *chi.Mux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := testutil.NewMemoryDB()
	clock := testutil.FixedClock()
	zone := localtime.FixedZone(time.Hour)

	creds := services.NewCredentialStore(db.Users(), db.Meta(), clock)
	users := services.NewUserService(db.Users())
	tracks := services.NewTrackService(db.Tracks(), db.Locations(), testutil.NewMemoryLocker(), services.TrackOptions{Zone: zone, Clock: clock})
	live := services.NewLiveService(db.Users(), db.Meta(), db.Locations(), zone, clock)
	settings := services.NewSettingsService(db.Meta(), clock)
	fetcher := &stubFetcher{}

	auth := NewAuthHandler(creds, users, testSecret, time.Hour)
	mux := chi.NewRouter()
	mux.Route("/auth", func(r chi.Router) { AuthRouter(r, auth, 0) })
	mux.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Route("/tracks", func(r chi.Router) { TrackRouter(r, NewTrackHandler(tracks, live, users)) })
		r.Route("/locations", func(r chi.Router) { LocationRouter(r, NewLocationHandler(tracks)) })
		r.Route("/settings", func(r chi.Router) { SettingsRouter(r, NewSettingsHandler(settings)) })
		r.Route("/proxy", func(r chi.Router) { ProxyRouter(r, NewProxyHandler(fetcher)) })
	})

	return &apiFixture{db: db, tracks: tracks, settings: settings, fetcher: fetcher, mux: mux}
}

func (f *apiFixture) addUser(t *testing.T, login string, caps ...types.Capability) types.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	user := types.User{Login: login, DisplayName: login, PasswordHash: string(hash)}
	if len(caps) > 0 {
		user.Capabilities = caps
	}
	return f.db.AddUser(user)
}

// token issues a bearer token for userID, with every permission unless
// perms are given.
func (f *apiFixture) token(t *testing.T, userID int64, perms ...types.Permission) string {
	t.Helper()
	set := types.PermissionSet(perms)
	if len(set) == 0 {
		set = types.AllPermissions()
	}
	token, err := issueToken(userID, set, []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (f *apiFixture) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, target, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedTrack(t *testing.T, userID int64, name string, coords ...[2]float64) types.Track {
	t.Helper()
	track, err := f.tracks.CreateTrack(t.Context(), types.Track{UserID: userID, Name: name, Source: "test"})
	if err != nil {
		t.Fatal(err)
	}
	locs := make([]types.Location, 0, len(coords))
	for i, c := range coords {
		locs = append(locs, types.Location{
			Latitude:  c[0],
			Longitude: c[1],
			Occurred:  time.Date(2024, 1, 15, 9, 0, i*10, 0, time.UTC),
		})
	}
	if len(locs) > 0 {
		if _, err := f.tracks.AppendLocations(t.Context(), track.ID, locs, "test"); err != nil {
			t.Fatal(err)
		}
	}
	track, err = f.tracks.GetTrack(t.Context(), track.ID)
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}
