package services

import (
	"errors"
	"testing"

	"github.com/trackserver/trackserver/internal/testutil"
	"github.com/trackserver/trackserver/types"
)

const twoTrackGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk>
    <name>Morning</name>
    <desc>ride to work</desc>
    <trkseg>
      <trkpt lat="52.0" lon="5.0"><ele>10</ele><time>2024-01-15T08:00:00Z</time></trkpt>
      <trkpt lat="52.001" lon="5.0"><time>2024-01-15T08:01:00Z</time></trkpt>
    </trkseg>
  </trk>
  <trk>
    <trkseg>
      <trkpt lat="53.0" lon="6.0"><time>2024-01-15T09:00:00Z</time></trkpt>
    </trkseg>
  </trk>
</gpx>`

func newImporter(t *testing.T, f *fixture) (*GPXImporter, *testutil.MemoryObjects) {
	t.Helper()
	stager, objects := testutil.NewMemoryStorage()
	return NewGPXImporter(stager, f.tracks, f.fences, f.namer, 1<<20), objects
}

func TestImportCreatesTrackPerTrk(t *testing.T) {
	f := newFixture(t)
	importer, objects := newImporter(t, f)
	user := f.addUser(t, "alice", "")
	identity := Identity{User: user, Permissions: types.AllPermissions()}

	result, err := importer.Import(t.Context(), identity, []byte(twoTrackGPX), "upload")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Tracks) != 2 || result.Locations != 3 || result.Discarded != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	first := result.Tracks[0]
	if first.Name != "Morning" || first.Comment != "ride to work" || first.Source != "upload" {
		t.Fatalf("unexpected first track %+v", first)
	}
	if first.Distance == 0 {
		t.Fatal("imported track should have a distance")
	}
	if second := result.Tracks[1]; second.Name != "upload 2024-01-15" {
		t.Fatalf("unnamed track should use the naming template, got %q", second.Name)
	}

	locs := f.db.AllLocations(first.ID)
	if len(locs) != 2 {
		t.Fatalf("expected 2 locations, got %d", len(locs))
	}
	// 08:00Z in a UTC+1 site is 09:00 local.
	if !locs[0].Occurred.Equal(naive(9, 0, 0)) {
		t.Fatalf("occurred = %v, want naive 09:00", locs[0].Occurred)
	}
	if locs[0].Altitude != 10 || locs[1].Altitude != 0 {
		t.Fatalf("altitudes = %v, %v", locs[0].Altitude, locs[1].Altitude)
	}

	if objects.Puts() != 1 || objects.Len() != 0 {
		t.Fatalf("upload should be staged once and removed, puts=%d len=%d", objects.Puts(), objects.Len())
	}
	if len(f.events.Events()) != 0 {
		t.Fatal("imports must not publish location events")
	}
}

func TestImportAppliesGeofences(t *testing.T) {
	f := newFixture(t)
	importer, _ := newImporter(t, f)
	user := f.addUser(t, "alice", "")
	identity := Identity{User: user, Permissions: types.AllPermissions()}
	err := f.settings.SetGeofences(t.Context(), user.ID, []types.Geofence{
		{Latitude: 53, Longitude: 6, Radius: 100, Action: types.FenceDiscard},
		{Latitude: 52, Longitude: 5, Radius: 10, Action: types.FenceHide},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := importer.Import(t.Context(), identity, []byte(twoTrackGPX), "upload")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Tracks) != 1 || result.Discarded != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	locs := f.db.AllLocations(result.Tracks[0].ID)
	if !locs[0].Hidden || locs[1].Hidden {
		t.Fatalf("only the first point lies in the hide fence: %+v", locs)
	}
}

func TestImportRejectsBadDocuments(t *testing.T) {
	f := newFixture(t)
	importer, objects := newImporter(t, f)
	user := f.addUser(t, "alice", "")
	identity := Identity{User: user, Permissions: types.AllPermissions()}

	docs := map[string]string{
		"not xml":   "hello",
		"version":   `<gpx version="2.0" creator="x"><trk><trkseg><trkpt lat="1" lon="1"/></trkseg></trk></gpx>`,
		"no points": `<gpx version="1.1" creator="x" xmlns="http://www.topografix.com/GPX/1/1"><trk><name>empty</name></trk></gpx>`,
	}
	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			if _, err := importer.Import(t.Context(), identity, []byte(doc), "upload"); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if objects.Len() != 0 {
		t.Fatalf("rejected uploads must not stay staged, %d left", objects.Len())
	}

	readOnly := Identity{User: user, Permissions: types.PermissionSet{types.PermRead}}
	if _, err := importer.Import(t.Context(), readOnly, []byte(twoTrackGPX), "upload"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
