package protocols

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func newMMTRequest(form url.Values, user, secret string) *http.Request {
	req := formRequest(http.MethodPost, "/ts", form)
	if user != "" {
		req.SetBasicAuth(user, secret)
	}
	return req
}

func decodeMMT(t *testing.T, rec *httptest.ResponseRecorder) mmtMessage {
	t.Helper()
	body := rec.Body.String()
	if !strings.HasPrefix(body, `<?xml version="1.0" encoding="UTF-8"?><message>`) {
		t.Fatalf("unexpected reply %q", body)
	}
	var msg mmtMessage
	if err := xml.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestMapMyTracksActivityLifecycle(t *testing.T) {
	h := newHarness(t)
	alice := h.addTracker(t, "alice")

	rec := h.do(newMMTRequest(url.Values{
		"request": {"start_activity"},
		"title":   {"Evening ride"},
		"points":  {"52.0 5.0 10 1705314600 52.001 5.0 11 1705314660"},
	}, "alice", accountPassword))
	msg := decodeMMT(t, rec)
	if msg.Type != "activity_started" || msg.ActivityID == 0 {
		t.Fatalf("unexpected start reply %+v", msg)
	}

	track := h.trackNamed(t, alice.ID, "Evening ride")
	if track.ID != msg.ActivityID || track.Source != "MapMyTracks" {
		t.Fatalf("unexpected track %+v", track)
	}

	rec = h.do(newMMTRequest(url.Values{
		"request":     {"update_activity"},
		"activity_id": {formatID(msg.ActivityID)},
		"points":      {"52.002 5.0 12 1705314720"},
	}, "alice", accountPassword))
	if got := decodeMMT(t, rec); got.Type != "activity_updated" {
		t.Fatalf("unexpected update reply %+v", got)
	}

	locs := h.db.AllLocations(track.ID)
	if len(locs) != 3 {
		t.Fatalf("expected three locations, got %d", len(locs))
	}
	if !locs[0].Occurred.Equal(naive(11, 30, 0)) || !locs[2].Occurred.Equal(naive(11, 32, 0)) || locs[1].Altitude != 11 {
		t.Fatalf("unexpected locations %+v", locs)
	}

	rec = h.do(newMMTRequest(url.Values{"request": {"stop_activity"}, "activity_id": {formatID(msg.ActivityID)}}, "alice", accountPassword))
	if got := decodeMMT(t, rec); got.Type != "activity_stopped" {
		t.Fatalf("unexpected stop reply %+v", got)
	}
}

func TestMapMyTracksNamesUntitledActivities(t *testing.T) {
	h := newHarness(t)
	alice := h.addTracker(t, "alice")

	rec := h.do(newMMTRequest(url.Values{"request": {"start_activity"}, "points": {"1 2 0 1705314600"}}, "alice", accountPassword))
	if msg := decodeMMT(t, rec); msg.Type != "activity_started" {
		t.Fatalf("unexpected reply %+v", msg)
	}
	h.trackNamed(t, alice.ID, "MapMyTracks 2024-01-15")
}

func TestMapMyTracksRejections(t *testing.T) {
	h := newHarness(t)
	h.addTracker(t, "alice")
	bob := h.addTracker(t, "bob")
	bobs, err := h.deps.Tracks.ResolveTrack(t.Context(), bob.ID, "Bob's", "test")
	if err != nil {
		t.Fatal(err)
	}

	rec := h.do(newMMTRequest(url.Values{"request": {"get_time"}}, "", ""))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected challenge, got %d", rec.Code)
	}
	// Only the account password is accepted here.
	if rec := h.do(newMMTRequest(url.Values{"request": {"get_time"}}, "alice", appSecret)); rec.Code != http.StatusForbidden {
		t.Fatalf("app password accepted: %d", rec.Code)
	}

	rec = h.do(newMMTRequest(url.Values{"request": {"start_activity"}, "title": {"x"}, "points": {"52.0 5.0 10"}}, "alice", accountPassword))
	if rec.Code != http.StatusBadRequest || decodeMMT(t, rec).Type != "error" {
		t.Fatalf("malformed points accepted: %d", rec.Code)
	}

	rec = h.do(newMMTRequest(url.Values{"request": {"update_activity"}, "activity_id": {formatID(bobs.ID)}, "points": {"1 2 0 1705314600"}}, "alice", accountPassword))
	if msg := decodeMMT(t, rec); msg.Type != "error" || msg.Reason != "activity not found" {
		t.Fatalf("foreign activity updated: %+v", msg)
	}
	if n := len(h.db.AllLocations(bobs.ID)); n != 0 {
		t.Fatalf("foreign track was written to: %d locations", n)
	}
}

func TestMapMyTracksTimeAndUpload(t *testing.T) {
	h := newHarness(t)
	alice := h.addTracker(t, "alice")

	if msg := decodeMMT(t, h.do(newMMTRequest(url.Values{"request": {"get_time"}}, "alice", accountPassword))); msg.Type != "time" || msg.ServerTime != 1705314600 {
		t.Fatalf("unexpected time reply %+v", msg)
	}

	doc := `<?xml version="1.0"?><gpx version="1.1" creator="t" xmlns="http://www.topografix.com/GPX/1/1"><trk><name>Uploaded</name><trkseg><trkpt lat="1" lon="2"><time>2024-01-15T08:00:00Z</time></trkpt></trkseg></trk></gpx>`
	rec := h.do(newMMTRequest(url.Values{"request": {"upload_activity"}, "gpx_file": {doc}}, "alice", accountPassword))
	msg := decodeMMT(t, rec)
	if msg.Type != "success" || msg.ID != h.trackNamed(t, alice.ID, "Uploaded").ID {
		t.Fatalf("unexpected upload reply %+v", msg)
	}
}

func TestMMTPointsPattern(t *testing.T) {
	valid := []string{"1 2 3 4", "-1.5 2.25 -3 1705314600 1 2 3 5"}
	invalid := []string{"1 2 3", "1 2 3 4 5", "a b c d", "1 2 3 4.5", "1  2 3 4"}
	for _, s := range valid {
		if !mmtPoints.MatchString(s) {
			t.Fatalf("%q should match", s)
		}
	}
	for _, s := range invalid {
		if mmtPoints.MatchString(s) {
			t.Fatalf("%q should not match", s)
		}
	}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
