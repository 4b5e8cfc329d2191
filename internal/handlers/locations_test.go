package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/trackserver/trackserver/types"
)

func TestMoveAndDeleteLocation(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.addUser(t, "alice")
	bob := f.addUser(t, "bob")
	token := f.token(t, alice.ID)
	track := f.seedTrack(t, alice.ID, "walk", [2]float64{0, 0}, [2]float64{0, 1}, [2]float64{0, 2})
	foreign := f.seedTrack(t, bob.ID, "foreign", [2]float64{5, 5})
	locs := f.db.AllLocations(track.ID)
	foreignLoc := f.db.AllLocations(foreign.ID)[0]

	rec := f.do(t, http.MethodPatch, fmt.Sprintf("/locations/%d", locs[1].ID), token, MoveRequest{Latitude: 1, Longitude: 1})
	expectStatus(t, rec, http.StatusOK)
	if moved := decodeBody[types.Location](t, rec); moved.Latitude != 1 || moved.Longitude != 1 {
		t.Fatalf("unexpected moved location %+v", moved)
	}
	expectStatus(t, f.do(t, http.MethodPatch, fmt.Sprintf("/locations/%d", locs[1].ID), token, MoveRequest{Latitude: 91}), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodPatch, fmt.Sprintf("/locations/%d", foreignLoc.ID), token, MoveRequest{Latitude: 1, Longitude: 1}), http.StatusNotFound)

	expectStatus(t, f.do(t, http.MethodDelete, fmt.Sprintf("/locations/%d", locs[2].ID), f.token(t, alice.ID, types.PermWrite), nil), http.StatusForbidden)
	expectStatus(t, f.do(t, http.MethodDelete, fmt.Sprintf("/locations/%d", locs[2].ID), token, nil), http.StatusNoContent)
	if n := len(f.db.AllLocations(track.ID)); n != 2 {
		t.Fatalf("expected two locations left, got %d", n)
	}
	expectStatus(t, f.do(t, http.MethodDelete, "/locations/abc", token, nil), http.StatusBadRequest)
}
