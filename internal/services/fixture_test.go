package services

import (
	"testing"
	"time"

	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/testutil"
	"github.com/trackserver/trackserver/types"
	"golang.org/x/crypto/bcrypt"
)

type fixture struct {
	db       *testutil.MemoryDB
	clock    *testutil.StubClock
	zone     localtime.Zone
	events   *testutil.RecordingPublisher
	creds    *CredentialStore
	tracks   *TrackService
	fences   *GeofenceEvaluator
	namer    *TrackNamer
	live     *LiveService
	settings *SettingsService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewMemoryDB()
	clock := testutil.FixedClock()
	zone := localtime.FixedZone(time.Hour)
	events := &testutil.RecordingPublisher{}

	return &fixture{
		db:     db,
		clock:  clock,
		zone:   zone,
		events: events,
		creds:  NewCredentialStore(db.Users(), db.Meta(), clock),
		tracks: NewTrackService(db.Tracks(), db.Locations(), testutil.NewMemoryLocker(), TrackOptions{
			Zone:      zone,
			Clock:     clock,
			ChunkSize: 500,
			Events:    events,
		}),
		fences:   NewGeofenceEvaluator(db.Meta()),
		namer:    NewTrackNamer(db.Meta(), "{source} %F"),
		live:     NewLiveService(db.Users(), db.Meta(), db.Locations(), zone, clock),
		settings: NewSettingsService(db.Meta(), clock),
	}
}

func (f *fixture) addUser(t *testing.T, login, password string, caps ...types.Capability) types.User {
	t.Helper()
	user := types.User{Login: login, DisplayName: login + " display"}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		user.PasswordHash = string(hash)
	}
	if len(caps) > 0 {
		user.Capabilities = caps
	}
	return f.db.AddUser(user)
}

func (f *fixture) addAppPassword(t *testing.T, userID int64, secret string, perms ...types.Permission) {
	t.Helper()
	if _, err := f.settings.AddAppPassword(t.Context(), userID, secret, perms); err != nil {
		t.Fatalf("add app password: %v", err)
	}
}

// naive builds a naive local timestamp.
func naive(hour, minute, second int) time.Time {
	return time.Date(2024, 1, 15, hour, minute, second, 0, time.UTC)
}
