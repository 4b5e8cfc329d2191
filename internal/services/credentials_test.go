package services

import (
	"errors"
	"testing"

	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

func TestValidateRejectsUnknownAndIncapableUsers(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	nocap := f.addUser(t, "viewer", "secret", types.CapPublishOthers)
	f.addAppPassword(t, nocap.ID, "app-secret", types.PermRead)

	if _, err := f.creds.Validate(ctx, "nobody", "x", AppPasswordsOnly); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unknown user: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.creds.Validate(ctx, "viewer", "app-secret", AppPasswordsOnly); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("user without capability: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := f.creds.Validate(ctx, "", "app-secret", AppPasswordsOnly); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("empty username: expected ErrUnauthenticated, got %v", err)
	}
}

func TestValidateAppPasswordScope(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.addUser(t, "alice", "account-pw")
	f.addAppPassword(t, user.ID, "reader", types.PermRead)
	f.addAppPassword(t, user.ID, "writer", types.PermRead, types.PermWrite)

	id, err := f.creds.Validate(ctx, "alice", "reader", AppPasswordsOnly)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.User.ID != user.ID || id.AppPasswordID == "" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if err := id.EnsurePermission(types.PermRead); err != nil {
		t.Fatalf("read should be granted: %v", err)
	}
	if err := id.EnsurePermission(types.PermWrite); !errors.Is(err, ErrForbidden) {
		t.Fatalf("write should be forbidden, got %v", err)
	}

	id, err = f.creds.Validate(ctx, "alice", "writer", AppPasswordsOnly)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := id.EnsurePermission(types.PermWrite); err != nil {
		t.Fatalf("write should be granted: %v", err)
	}

	if _, err := f.creds.Validate(ctx, "Alice", "writer", AppPasswordsOnly); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("login lookup must be case-sensitive, got %v", err)
	}
	if _, err := f.creds.Validate(ctx, "alice", "wrong", AppPasswordsOnly); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("wrong secret: expected ErrUnauthenticated, got %v", err)
	}
}

func TestValidatePasswordPolicies(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.addUser(t, "bob", "account-pw")
	f.addAppPassword(t, user.ID, "app-pw", types.PermRead)

	if _, err := f.creds.Validate(ctx, "bob", "account-pw", AppPasswordsOnly); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("account password must not work by default, got %v", err)
	}

	id, err := f.creds.Validate(ctx, "bob", "account-pw", AccountPasswordFallback)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	for _, p := range types.AllPermissions() {
		if err := id.EnsurePermission(p); err != nil {
			t.Fatalf("account password should grant %s: %v", p, err)
		}
	}

	id, err = f.creds.Validate(ctx, "bob", "app-pw", AccountPasswordFallback)
	if err != nil {
		t.Fatalf("fallback to app password: %v", err)
	}
	if id.EnsurePermission(types.PermWrite) == nil {
		t.Fatal("app password scope must still apply under fallback")
	}

	if _, err := f.creds.Validate(ctx, "bob", "app-pw", AccountPasswordOnly); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("app password must not work under AccountPasswordOnly, got %v", err)
	}
	if _, err := f.creds.Validate(ctx, "bob", "account-pw", AccountPasswordOnly); err != nil {
		t.Fatalf("account password only: %v", err)
	}
}

func TestValidateMigratesLegacyKey(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.addUser(t, "carol", "")
	if err := f.db.Meta().SetLegacyTrackerKey(ctx, user.ID, "legacy123"); err != nil {
		t.Fatal(err)
	}

	id, err := f.creds.Validate(ctx, "carol", "legacy123", AppPasswordsOnly)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := id.EnsurePermission(types.PermDelete); err != nil {
		t.Fatalf("migrated key should grant everything: %v", err)
	}

	passwords, _ := f.db.Meta().AppPasswords(ctx, user.ID)
	if len(passwords) != 1 || passwords[0].Secret != "legacy123" {
		t.Fatalf("expected migrated app password, got %+v", passwords)
	}
	if _, err := f.db.Meta().LegacyTrackerKey(ctx, user.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("legacy key should be removed, got %v", err)
	}

	if _, err := f.creds.Validate(ctx, "carol", "legacy123", AppPasswordsOnly); err != nil {
		t.Fatalf("second validate: %v", err)
	}
}

func TestValidateProvisionsProfileOnce(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.addUser(t, "dave", "")
	f.addAppPassword(t, user.ID, "pw", types.PermRead)

	if _, err := f.db.Meta().Profile(ctx, user.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("profile should not exist yet, got %v", err)
	}
	if _, err := f.creds.Validate(ctx, "dave", "pw", AppPasswordsOnly); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.Meta().Profile(ctx, user.ID); err != nil {
		t.Fatalf("profile should have been provisioned: %v", err)
	}

	custom := types.Profile{TrackNameTemplate: "mine", ShareWith: []string{"x"}}
	if err := f.db.Meta().SetProfile(ctx, user.ID, custom); err != nil {
		t.Fatal(err)
	}
	if _, err := f.creds.Validate(ctx, "dave", "pw", AppPasswordsOnly); err != nil {
		t.Fatal(err)
	}
	got, _ := f.db.Meta().Profile(ctx, user.ID)
	if got.TrackNameTemplate != "mine" {
		t.Fatalf("provisioning must not overwrite the profile, got %+v", got)
	}
}
