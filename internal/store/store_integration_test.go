//go:build integration

package store

import (
	"context"
	"database/sql"
	"errors"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/db"
	"github.com/trackserver/trackserver/internal/db/migrations"
	"github.com/trackserver/trackserver/types"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("docker not available")
	}

	ctx = context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "trackserver",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "trackserver",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		t.Fatal(err)
	}

	conn, err := db.Open(ctx, config.Config{Database: config.DatabaseConfig{
		Host:     host,
		Port:     portNum,
		User:     "trackserver",
		Password: "password",
		DBName:   "trackserver",
	}})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := migrations.MigrateUp(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestPostgresRepositories(t *testing.T) {
	conn := startPostgres(t)
	ctx := t.Context()
	users := NewUserRepository(conn)
	tracks := NewTrackRepository(conn)
	locations := NewLocationRepository(conn)
	meta := NewMetaRepository(conn)

	alice, err := users.Create(ctx, types.User{Login: "alice", DisplayName: "Alice", Capabilities: []types.Capability{types.CapUseTracker}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := users.Create(ctx, types.User{Login: "alice"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for a duplicate login, got %v", err)
	}

	day := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	track, err := tracks.Create(ctx, types.Track{UserID: alice.ID, Name: "Morning", CreatedAt: day, Source: "test"})
	if err != nil {
		t.Fatal(err)
	}

	var batch []types.Location
	for i := 0; i < 5; i++ {
		batch = append(batch, types.Location{
			TrackID:   track.ID,
			Latitude:  52 + float64(i)*0.001,
			Longitude: 5,
			Occurred:  day.Add(time.Duration(i) * time.Minute),
			CreatedAt: day,
		})
	}
	n, err := locations.InsertBatch(ctx, batch)
	if err != nil || n != 5 {
		t.Fatalf("insert batch: n=%d err=%v", n, err)
	}

	stored, err := locations.ListByTrack(ctx, track.ID)
	if err != nil || len(stored) != 5 {
		t.Fatalf("list: %d %v", len(stored), err)
	}
	if !stored[0].Occurred.Equal(day) {
		t.Fatalf("occurred not preserved: %v", stored[0].Occurred)
	}

	points, err := locations.ListPoints(ctx, []int64{track.ID}, alice.ID)
	if err != nil || len(points) != 5 || points[0].UserLogin != "alice" || points[0].TrackName != "Morning" {
		t.Fatalf("points: %+v %v", points, err)
	}

	pivot := stored[2]
	next, err := tracks.Split(ctx, track.ID, pivot.Occurred, pivot, types.Track{UserID: alice.ID, Name: "Morning #2", CreatedAt: day})
	if err != nil {
		t.Fatal(err)
	}
	moved, _ := locations.ListByTrack(ctx, next.ID)
	if len(moved) != 3 {
		t.Fatalf("expected pivot plus two moved points, got %d", len(moved))
	}

	if err := tracks.Merge(ctx, track.ID, []int64{next.ID}, "Morning", day); err != nil {
		t.Fatal(err)
	}
	if _, err := tracks.Get(ctx, next.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected merged track to be gone, got %v", err)
	}

	passwords := []types.AppPassword{{ID: "a1", Secret: "s3cret", Permissions: types.AllPermissions(), CreatedAt: day}}
	if err := meta.SetAppPasswords(ctx, alice.ID, passwords); err != nil {
		t.Fatal(err)
	}
	got, err := meta.AppPasswords(ctx, alice.ID)
	if err != nil || len(got) != 1 || got[0].Secret != "s3cret" {
		t.Fatalf("app passwords: %+v %v", got, err)
	}
}

func TestTrackLockSerializes(t *testing.T) {
	conn := startPostgres(t)
	locker := NewTrackLocker(conn)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan time.Time, 1)

	go func() {
		_ = locker.WithTrackLock(context.Background(), 42, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	go func() {
		_ = locker.WithTrackLock(context.Background(), 42, func(ctx context.Context) error {
			done <- time.Now()
			return nil
		})
	}()

	time.Sleep(200 * time.Millisecond)
	released := time.Now()
	close(release)

	select {
	case at := <-done:
		if at.Before(released) {
			t.Fatal("second holder ran while the lock was held")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestTrackLockRunsOnItsOwnConnection(t *testing.T) {
	conn := startPostgres(t)
	ctx := t.Context()
	users := NewUserRepository(conn)
	tracks := NewTrackRepository(conn)
	locations := NewLocationRepository(conn)

	alice, err := users.Create(ctx, types.User{Login: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	track, err := tracks.Create(ctx, types.Track{UserID: alice.ID, Name: "Pool", CreatedAt: day})
	if err != nil {
		t.Fatal(err)
	}

	// With a single pooled connection, work done under the lock must not
	// need a second one.
	conn.SetMaxOpenConns(1)
	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	locker := NewTrackLocker(conn)
	err = locker.WithTrackLock(lockCtx, track.ID, func(ctx context.Context) error {
		if _, err := locations.InsertBatch(ctx, []types.Location{{TrackID: track.ID, Latitude: 1, Longitude: 2, Occurred: day, CreatedAt: day}}); err != nil {
			return err
		}
		if err := tracks.SetDistance(ctx, track.ID, 7, day); err != nil {
			return err
		}
		// Nested locks and transactions stay on the same connection.
		return locker.WithTrackLock(ctx, track.ID+1, func(ctx context.Context) error {
			return tracks.Merge(ctx, track.ID, []int64{-1}, "Pool", day)
		})
	})
	if err != nil {
		t.Fatalf("locked work on a one-connection pool: %v", err)
	}

	got, err := locations.ListByTrack(ctx, track.ID)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected the insert to be committed: %d %v", len(got), err)
	}
}
