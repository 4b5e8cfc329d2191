package protocols

import (
	"net/http"
	"strings"
	"testing"

	"github.com/tkrajina/gpxgo/gpx"
	"github.com/trackserver/trackserver/types"
)

const trackmeBase = "/trackme/alice/app-secret/requests.z?"

func TestTrackMeUploadAndList(t *testing.T) {
	h := newHarness(t)
	alice := h.addTracker(t, "alice")

	rec := h.get(trackmeBase + "a=upload&tn=Commute&lat=52&long=5&alt=4&ang=180&sp=3&comments=hi&do=2024-01-15%2008:00:00")
	if body := rec.Body.String(); body != "Result:0" {
		t.Fatalf("unexpected upload reply %q", body)
	}

	track := h.trackNamed(t, alice.ID, "Commute")
	if track.Source != "TrackMe" {
		t.Fatalf("unexpected source %q", track.Source)
	}
	locs := h.db.AllLocations(track.ID)
	if len(locs) != 1 || !locs[0].Occurred.Equal(naive(8, 0, 0)) || locs[0].Comment != "hi" {
		t.Fatalf("unexpected locations %+v", locs)
	}

	if body := h.get(trackmeBase + "a=gettriplist").Body.String(); body != "Result:0|Commute|2024-01-15 11:30:00" {
		t.Fatalf("unexpected trip list %q", body)
	}

	full := h.get(trackmeBase + "a=gettripfull&tn=Commute").Body.String()
	if !strings.HasPrefix(full, "Result:0|52.000000|5.000000||hi||2024-01-15 08:00:00|") || !strings.HasSuffix(full, "|4|3|180") {
		t.Fatalf("unexpected trip rows %q", full)
	}
}

func TestTrackMeResultCodes(t *testing.T) {
	h := newHarness(t)
	h.addTracker(t, "alice")
	h.addTracker(t, "bob", types.PermRead)

	cases := []struct {
		name   string
		target string
		want   string
	}{
		{"missing trip name", trackmeBase + "a=upload&lat=1&long=2", "Result:6"},
		{"bad credentials", "/trackme/alice/nope/requests.z?a=upload&tn=x&lat=1&long=2", "Result:1"},
		{"missing write permission", "/trackme/bob/app-secret/requests.z?a=upload&tn=x&lat=1&long=2", "Result:1"},
		{"credentials in query", "/trackme/requests.z?u=alice&p=app-secret&a=upload&tn=x&lat=1&long=2", "Result:0"},
		{"invalid location", trackmeBase + "a=upload&tn=x&lat=100&long=2", "Result:4"},
		{"invalid date", trackmeBase + "a=upload&tn=x&lat=1&long=2&do=yesterday", "Result:4"},
		{"unknown trip", trackmeBase + "a=gettripfull&tn=nowhere", "Result:7"},
		{"delete unknown trip", trackmeBase + "a=deletetrip&tn=nowhere", "Result:7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if body := h.get(tc.target).Body.String(); body != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, body)
			}
		})
	}

}

func TestTrackMeUnknownActionsKeepResultGrammar(t *testing.T) {
	h := newHarness(t)
	h.addTracker(t, "alice")

	for _, target := range []string{
		trackmeBase + "a=dance",
		"/trackme/alice/app-secret/export.z?a=kml&tn=x",
		"/trackme/cloud.z?a=dance&u=alice&p=app-secret",
	} {
		rec := h.get(target)
		if rec.Code != http.StatusOK || rec.Body.String() != "Result:2" {
			t.Fatalf("%s: expected 200 Result:2, got %d %q", target, rec.Code, rec.Body.String())
		}
	}
}

func TestTrackMeRenameAndDelete(t *testing.T) {
	h := newHarness(t)
	alice := h.addTracker(t, "alice")
	h.get(trackmeBase + "a=upload&tn=Old&lat=1&long=2")

	if body := h.get(trackmeBase + "a=renametrip&tn=Old&newname=New").Body.String(); body != "Result:0" {
		t.Fatalf("rename: %q", body)
	}
	track := h.trackNamed(t, alice.ID, "New")

	if body := h.get(trackmeBase + "a=deletetrip&tn=New").Body.String(); body != "Result:0" {
		t.Fatalf("delete: %q", body)
	}
	if _, err := h.deps.Tracks.GetTrack(t.Context(), track.ID); err == nil {
		t.Fatal("track should be gone")
	}
}

func TestTrackMeExportGPX(t *testing.T) {
	h := newHarness(t)
	h.addTracker(t, "alice")
	h.get(trackmeBase + "a=upload&tn=Walk&lat=52&long=5&do=2024-01-15%2008:00:00")
	h.get(trackmeBase + "a=upload&tn=Walk&lat=52.01&long=5&do=2024-01-15%2008:05:00")

	rec := h.get("/trackme/alice/app-secret/export.z?a=gpx&tn=Walk")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `"Walk.gpx"`) {
		t.Fatalf("unexpected disposition %q", cd)
	}
	doc, err := gpx.ParseBytes(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	points := doc.Tracks[0].Segments[0].Points
	if len(points) != 2 || points[0].Timestamp.Hour() != 7 {
		t.Fatalf("expected two points starting 07:00Z, got %+v", points)
	}
}

func TestTrackMeCloud(t *testing.T) {
	h := newHarness(t)
	h.addTracker(t, "alice")
	bob := h.addTracker(t, "bob")
	if err := h.settings.SetProfile(t.Context(), bob.ID, types.Profile{ShareWith: []string{"alice"}}); err != nil {
		t.Fatal(err)
	}
	h.get("/trackme/bob/app-secret/requests.z?a=upload&tn=Run&lat=48.5&long=2.25&do=2024-01-15%2011:00:00")

	if body := h.get("/trackme/cloud.z?a=show").Body.String(); !strings.HasPrefix(body, "Result:3|") {
		t.Fatalf("expected cloud hint, got %q", body)
	}
	if body := h.get("/trackme/cloud.z?a=update&u=alice&p=app-secret").Body.String(); body != "Result:0" {
		t.Fatalf("update: %q", body)
	}
	body := h.get("/trackme/cloud.z?a=show&u=alice&p=app-secret").Body.String()
	if body != "Result:0|bob|48.500000|2.250000|2024-01-15 11:00:00" {
		t.Fatalf("unexpected friends %q", body)
	}
}
