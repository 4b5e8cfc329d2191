package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/trackserver/trackserver/internal/fetch"
)

func TestProxyPassesBodyThrough(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.addUser(t, "alice")
	f.fetcher.resp = fetch.Response{ContentType: "application/gpx+xml", Body: []byte("<gpx/>")}

	rec := f.do(t, http.MethodGet, "/proxy?url=https%3A%2F%2Fexample.com%2Fa.gpx", f.token(t, alice.ID), nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "<gpx/>" || rec.Header().Get("Content-Type") != "application/gpx+xml" {
		t.Fatalf("unexpected proxy reply %q %q", rec.Header().Get("Content-Type"), rec.Body.String())
	}
	if f.fetcher.got != "https://example.com/a.gpx" {
		t.Fatalf("unexpected upstream url %q", f.fetcher.got)
	}
}

func TestProxyErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.addUser(t, "alice")
	token := f.token(t, alice.ID)

	cases := map[error]int{
		fetch.ErrInvalidURL:      http.StatusBadRequest,
		fetch.ErrNotFound:        http.StatusNotFound,
		fetch.ErrTooLarge:        http.StatusRequestEntityTooLarge,
		gobreaker.ErrOpenState:   http.StatusServiceUnavailable,
		errors.New("conn reset"): http.StatusBadGateway,
	}
	for err, want := range cases {
		f.fetcher.err = err
		expectStatus(t, f.do(t, http.MethodGet, "/proxy?url=x", token, nil), want)
	}
}
