package services

import (
	"testing"
	"time"

	"github.com/trackserver/trackserver/types"
)

func TestFriendPositions(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	alice := f.addUser(t, "alice", "")
	bob := f.addUser(t, "bob", "")
	carol := f.addUser(t, "carol", "")
	dave := f.addUser(t, "dave", "")

	for _, u := range []types.User{bob, carol, alice} {
		if err := f.settings.SetProfile(ctx, u.ID, types.Profile{ShareWith: []string{"alice"}}); err != nil {
			t.Fatal(err)
		}
	}

	bobTrack := f.seedTrack(t, bob.ID, "bob")
	carolTrack := f.seedTrack(t, carol.ID, "carol")
	daveTrack := f.seedTrack(t, dave.ID, "dave")
	mustAppend := func(track types.Track, loc types.Location) {
		t.Helper()
		if _, err := f.tracks.AppendLocations(ctx, track.ID, []types.Location{loc}, "test"); err != nil {
			t.Fatal(err)
		}
	}
	mustAppend(bobTrack, types.Location{Latitude: 1, Occurred: naive(9, 0, 0)})
	mustAppend(bobTrack, types.Location{Latitude: 2, Occurred: naive(11, 0, 0)})
	mustAppend(carolTrack, types.Location{Latitude: 3, Occurred: naive(11, 0, 0), Hidden: true})
	mustAppend(daveTrack, types.Location{Latitude: 4, Occurred: naive(11, 0, 0)})

	friends, err := f.live.Friends(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 2 {
		t.Fatalf("expected bob and carol as friends, got %+v", friends)
	}

	positions, err := f.live.FriendPositions(ctx, alice, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].User.ID != bob.ID || positions[0].Point.Latitude != 2 {
		t.Fatalf("expected bob's latest visible fix, got %+v", positions)
	}

	if err := f.settings.SetProfile(ctx, alice.ID, types.Profile{Follow: []string{"carol"}}); err != nil {
		t.Fatal(err)
	}
	friends, err = f.live.Friends(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 1 || friends[0].ID != carol.ID {
		t.Fatalf("follow list should restrict friends, got %+v", friends)
	}
}

func TestLatestTrackPerUserMaxAge(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	bob := f.addUser(t, "bob", "")
	carol := f.addUser(t, "carol", "")
	old := f.seedTrack(t, bob.ID, "old")
	recent := f.seedTrack(t, bob.ID, "recent")
	stale := f.seedTrack(t, carol.ID, "stale")

	for track, at := range map[int64]time.Time{
		old.ID:    naive(8, 0, 0),
		recent.ID: naive(11, 0, 0),
		stale.ID:  naive(7, 0, 0),
	} {
		if _, err := f.tracks.AppendLocations(ctx, track, []types.Location{{Occurred: at}}, "test"); err != nil {
			t.Fatal(err)
		}
	}

	all, err := f.live.LatestTrackPerUser(ctx, []int64{bob.ID, carol.ID}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if all[bob.ID] != recent.ID || all[carol.ID] != stale.ID {
		t.Fatalf("unexpected latest tracks %v", all)
	}

	// Now is 11:30 local, so one hour reaches back to 10:30.
	fresh, err := f.live.LatestTrackPerUser(ctx, []int64{bob.ID, carol.ID}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 1 || fresh[bob.ID] != recent.ID {
		t.Fatalf("expected only bob's recent track, got %v", fresh)
	}
}
