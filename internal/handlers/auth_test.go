package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/trackserver/trackserver/types"
)

func TestLoginWithAccountPassword(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.addUser(t, "alice")

	rec := f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "alice", Password: testPassword})
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[AuthResponse](t, rec)
	if resp.Token == "" || resp.User.ID != alice.ID || len(resp.Permissions) != 3 {
		t.Fatalf("unexpected login response %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/auth/me", resp.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	if me := decodeBody[types.User](t, rec); me.Login != "alice" {
		t.Fatalf("unexpected user %+v", me)
	}
}

func TestLoginWithAppPasswordScopesToken(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.addUser(t, "alice")
	if _, err := f.settings.AddAppPassword(t.Context(), alice.ID, "read-only-secret", types.PermissionSet{types.PermRead}); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "alice", Password: "read-only-secret"})
	expectStatus(t, rec, http.StatusOK)
	token := decodeBody[AuthResponse](t, rec).Token

	principal, err := parseToken(token, []byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if len(principal.Permissions) != 1 || !principal.Permissions.Has(types.PermRead) {
		t.Fatalf("unexpected permissions %v", principal.Permissions)
	}

	expectStatus(t, f.do(t, http.MethodGet, "/tracks", token, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodGet, "/settings/profile", token, nil), http.StatusForbidden)
}

func TestLoginFailures(t *testing.T) {
	f := newAPIFixture(t)
	f.addUser(t, "alice")
	f.addUser(t, "viewer", types.CapPublishOthers)

	expectStatus(t, f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "alice", Password: "wrong"}), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "nobody", Password: "x"}), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "viewer", Password: testPassword}), http.StatusUnauthorized)
	expectStatus(t, f.do(t, http.MethodPost, "/auth/login", "", `{"username":"alice"}`), http.StatusBadRequest)
	expectStatus(t, f.do(t, http.MethodPost, "/auth/login", "", `not json`), http.StatusBadRequest)
}

func TestRequireAuthRejectsBadTokens(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.addUser(t, "alice")

	forged, err := issueToken(alice.ID, types.AllPermissions(), []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := issueToken(alice.ID, types.AllPermissions(), []byte(testSecret), -time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	for name, token := range map[string]string{"missing": "", "garbage": "abc.def", "forged": forged, "expired": expired} {
		t.Run(name, func(t *testing.T) {
			expectStatus(t, f.do(t, http.MethodGet, "/tracks", token, nil), http.StatusUnauthorized)
		})
	}
}
