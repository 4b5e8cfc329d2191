package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/handlers"
	"github.com/trackserver/trackserver/internal/testutil"
	"github.com/trackserver/trackserver/types"
	"golang.org/x/crypto/bcrypt"
)

type stubPinger struct{ err error }

func (p stubPinger) PingContext(ctx context.Context) error { return p.err }

type testServer struct {
	db      *testutil.MemoryDB
	svc     Services
	events  *testutil.RecordingPublisher
	handler http.Handler
}

func newTestServer(t *testing.T, pinger handlers.Pinger) *testServer {
	t.Helper()
	db := testutil.NewMemoryDB()
	objects, _ := testutil.NewMemoryStorage()
	events := &testutil.RecordingPublisher{}
	tracking := config.TrackingConfig{
		Timezone:          "UTC",
		TrackNameTemplate: "{source} %F",
		InsertChunkSize:   100,
		MaxUploadSize:     1 << 20,
		SessionTTL:        time.Hour,
	}
	repos := Repositories{
		Users:     db.Users(),
		Meta:      db.Meta(),
		Tracks:    db.Tracks(),
		Locations: db.Locations(),
		Locker:    testutil.NewMemoryLocker(),
	}
	svc := NewServices(repos, objects, events, tracking, testutil.FixedClock())
	router := NewRouter(svc, RouterOptions{
		Auth:     config.AuthConfig{JWTSecret: "server-test-secret", TokenTTL: time.Hour},
		Tracking: tracking,
		DB:       pinger,
	})
	return &testServer{db: db, svc: svc, events: events, handler: router}
}

func (s *testServer) addUser(t *testing.T, login, password string) types.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return s.db.AddUser(types.User{Login: login, DisplayName: login, PasswordHash: string(hash)})
}

func (s *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestTrackerFixToExport(t *testing.T) {
	s := newTestServer(t, stubPinger{})
	alice := s.addUser(t, "alice", "account-pw")
	if _, err := s.svc.Settings.AddAppPassword(t.Context(), alice.ID, "phone-secret", types.AllPermissions()); err != nil {
		t.Fatal(err)
	}

	rec := s.serve(httptest.NewRequest(http.MethodGet, "/osmand/?lat=52.1&lon=5.2&timestamp=1705314600000&username=alice&key=phone-secret", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "OK, track ID = ") {
		t.Fatalf("tracker fix: %d %q", rec.Code, rec.Body.String())
	}
	if n := len(s.events.Events()); n != 1 {
		t.Fatalf("expected one location event, got %d", n)
	}

	login := s.serve(jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{"username": "alice", "password": "account-pw"}))
	if login.Code != http.StatusOK {
		t.Fatalf("login: %d %s", login.Code, login.Body.String())
	}
	var auth handlers.AuthResponse
	if err := json.Unmarshal(login.Body.Bytes(), &auth); err != nil {
		t.Fatal(err)
	}

	list := httptest.NewRequest(http.MethodGet, "/tracks", nil)
	list.Header.Set("Authorization", "Bearer "+auth.Token)
	rec = s.serve(list)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var tracks handlers.TrackListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tracks); err != nil {
		t.Fatal(err)
	}
	if len(tracks.Items) != 1 || tracks.Items[0].Name != "OsmAnd 2024-01-15" {
		t.Fatalf("unexpected tracks %+v", tracks.Items)
	}

	export := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tracks/export?format=gpx&ids=%d", tracks.Items[0].ID), nil)
	export.Header.Set("Authorization", "Bearer "+auth.Token)
	rec = s.serve(export)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "<trkpt") {
		t.Fatalf("export is missing the fix: %s", rec.Body.String())
	}
}

func TestManagementRoutesNeedToken(t *testing.T) {
	s := newTestServer(t, stubPinger{})
	for _, target := range []string{"/tracks", "/settings/profile", "/settings/app-passwords"} {
		rec := s.serve(httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rec.Code)
		}
	}
}

func TestProxyOnlyMountedWithFetcher(t *testing.T) {
	s := newTestServer(t, stubPinger{})
	alice := s.addUser(t, "alice", "account-pw")
	login := s.serve(jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{"username": alice.Login, "password": "account-pw"}))
	var auth handlers.AuthResponse
	if err := json.Unmarshal(login.Body.Bytes(), &auth); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy?url=https://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+auth.Token)
	if rec := s.serve(req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a fetch client, got %d", rec.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t, stubPinger{})
	if rec := s.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := s.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil)); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}

	down := newTestServer(t, stubPinger{err: errors.New("connection refused")})
	if rec := down.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the database is down, got %d", rec.Code)
	}
}

func TestNewRequiresJWTSecret(t *testing.T) {
	_, err := New(t.Context(), config.Config{})
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("expected a JWT secret error, got %v", err)
	}
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, target, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	return req
}
