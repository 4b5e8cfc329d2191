package protocols

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/testutil"
	"github.com/trackserver/trackserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	accountPassword = "hunter2"
	appSecret       = "app-secret"
)

type harness struct {
	db       *testutil.MemoryDB
	deps     Deps
	settings *services.SettingsService
	handler  http.Handler
}

// newHarness serves the default router in a fixed +01:00 zone at
// 2024-01-15 10:30 UTC, so the naive "now" is 11:30.
func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewMemoryDB()
	clock := testutil.FixedClock()
	zone := localtime.FixedZone(time.Hour)

	tracks := services.NewTrackService(db.Tracks(), db.Locations(), testutil.NewMemoryLocker(), services.TrackOptions{
		Zone:   zone,
		Clock:  clock,
		Events: &testutil.RecordingPublisher{},
	})
	fences := services.NewGeofenceEvaluator(db.Meta())
	namer := services.NewTrackNamer(db.Meta(), "{source} %F")
	stager, _ := testutil.NewMemoryStorage()

	deps := Deps{
		Credentials: services.NewCredentialStore(db.Users(), db.Meta(), clock),
		Tracks:      tracks,
		Fences:      fences,
		Namer:       namer,
		Live:        services.NewLiveService(db.Users(), db.Meta(), db.Locations(), zone, clock),
		Importer:    services.NewGPXImporter(stager, tracks, fences, namer, 1<<20),
	}
	router := NewDefaultRouter(Config{}, deps)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "management", http.StatusTeapot)
	})

	return &harness{
		db:       db,
		deps:     deps,
		settings: services.NewSettingsService(db.Meta(), clock),
		handler:  router.Middleware(next),
	}
}

// addTracker creates a user with an account password and an app password
// carrying perms, or every permission when none are given.
func (h *harness) addTracker(t *testing.T, login string, perms ...types.Permission) types.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(accountPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	user := h.db.AddUser(types.User{Login: login, DisplayName: login, PasswordHash: string(hash)})
	set := types.PermissionSet(perms)
	if len(set) == 0 {
		set = types.AllPermissions()
	}
	if _, err := h.settings.AddAppPassword(t.Context(), user.ID, appSecret, set); err != nil {
		t.Fatal(err)
	}
	return user
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(target string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (h *harness) trackNamed(t *testing.T, userID int64, name string) types.Track {
	t.Helper()
	track, err := h.deps.Tracks.FindTrackByName(t.Context(), userID, name)
	if err != nil {
		t.Fatalf("track %q: %v", name, err)
	}
	return track
}

func naive(hour, minute, second int) time.Time {
	return time.Date(2024, 1, 15, hour, minute, second, 0, time.UTC)
}
