package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/metrics"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
	"golang.org/x/crypto/bcrypt"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
	GetByLogin(ctx context.Context, login string) (types.User, error)
	ListByIDs(ctx context.Context, ids []int64) ([]types.User, error)
	ListByLogins(ctx context.Context, logins []string) ([]types.User, error)
	ListSharingWith(ctx context.Context, login string) ([]types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
	Delete(ctx context.Context, id int64) error
}

// MetaRepository defines persistence of per-user settings.
type MetaRepository interface {
	AppPasswords(ctx context.Context, userID int64) ([]types.AppPassword, error)
	SetAppPasswords(ctx context.Context, userID int64, passwords []types.AppPassword) error
	Geofences(ctx context.Context, userID int64) ([]types.Geofence, error)
	SetGeofences(ctx context.Context, userID int64, fences []types.Geofence) error
	Profile(ctx context.Context, userID int64) (types.Profile, error)
	SetProfile(ctx context.Context, userID int64, profile types.Profile) error
	EnsureProfile(ctx context.Context, userID int64, profile types.Profile) error
	LegacyTrackerKey(ctx context.Context, userID int64) (string, error)
	ReplaceLegacyTrackerKey(ctx context.Context, userID int64, passwords []types.AppPassword) error
}

// PasswordPolicy selects which secrets Validate accepts.
type PasswordPolicy int

const (
	// AppPasswordsOnly never tries the account password.
	AppPasswordsOnly PasswordPolicy = iota

	// AccountPasswordFallback tries the account password first, then app passwords.
	AccountPasswordFallback

	// AccountPasswordOnly accepts nothing but the account password.
	AccountPasswordOnly
)

// Identity is the result of a successful credential check.
type Identity struct {
	User        types.User
	Permissions types.PermissionSet

	// AppPasswordID is empty when the account password matched.
	AppPasswordID string
}

// EnsurePermission returns ErrForbidden unless p was granted.
func (i Identity) EnsurePermission(p types.Permission) error {
	if !i.Permissions.Has(p) {
		return fmt.Errorf("%w: missing %s permission", ErrForbidden, p)
	}
	return nil
}

// CredentialStore authenticates tracker clients.
type CredentialStore struct {
	users       UserRepository
	meta        MetaRepository
	clock       localtime.Clock
	provisioned cmap.ConcurrentMap[string, struct{}]
}

func NewCredentialStore(users UserRepository, meta MetaRepository, clock localtime.Clock) *CredentialStore {
	return &CredentialStore{
		users:       users,
		meta:        meta,
		clock:       clock,
		provisioned: cmap.New[struct{}](),
	}
}

// Validate checks username and secret under policy. Unknown users, users
// without the tracker capability and wrong secrets all yield ErrUnauthenticated.
func (s *CredentialStore) Validate(ctx context.Context, username, secret string, policy PasswordPolicy) (Identity, error) {
	if username == "" {
		metrics.RecordAuthFailure("missing_username")
		return Identity{}, ErrUnauthenticated
	}

	user, err := s.users.GetByLogin(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.RecordAuthFailure("unknown_user")
			return Identity{}, ErrUnauthenticated
		}
		return Identity{}, fmt.Errorf("load user: %w", err)
	}
	if !user.Can(types.CapUseTracker) {
		metrics.RecordAuthFailure("no_capability")
		return Identity{}, ErrUnauthenticated
	}

	identity, err := s.match(ctx, user, secret, policy)
	if err != nil {
		return Identity{}, err
	}

	s.provision(ctx, user)
	return identity, nil
}

func (s *CredentialStore) match(ctx context.Context, user types.User, secret string, policy PasswordPolicy) (Identity, error) {
	if policy == AccountPasswordFallback || policy == AccountPasswordOnly {
		if user.PasswordHash != "" && bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(secret)) == nil {
			return Identity{User: user, Permissions: types.AllPermissions()}, nil
		}
		if policy == AccountPasswordOnly {
			metrics.RecordAuthFailure("bad_secret")
			return Identity{}, ErrUnauthenticated
		}
	}

	passwords, err := s.appPasswords(ctx, user.ID)
	if err != nil {
		return Identity{}, err
	}
	for _, pw := range passwords {
		if secret != "" && subtle.ConstantTimeCompare([]byte(pw.Secret), []byte(secret)) == 1 {
			return Identity{User: user, Permissions: pw.Permissions, AppPasswordID: pw.ID}, nil
		}
	}

	metrics.RecordAuthFailure("bad_secret")
	return Identity{}, ErrUnauthenticated
}

// appPasswords loads the user's app passwords, turning a legacy tracker key
// into a full-permission app password the first time it is needed.
func (s *CredentialStore) appPasswords(ctx context.Context, userID int64) ([]types.AppPassword, error) {
	passwords, err := s.meta.AppPasswords(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load app passwords: %w", err)
	}
	if len(passwords) > 0 {
		return passwords, nil
	}

	key, err := s.meta.LegacyTrackerKey(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load legacy key: %w", err)
	}
	if key == "" {
		return nil, nil
	}

	migrated := []types.AppPassword{{
		ID:          uuid.NewString(),
		Secret:      key,
		Permissions: types.AllPermissions(),
		CreatedAt:   s.clock.Now().UTC(),
	}}
	if err := s.meta.ReplaceLegacyTrackerKey(ctx, userID, migrated); err != nil {
		return nil, fmt.Errorf("migrate legacy key: %w", err)
	}
	logging.Ctx(ctx).Info().Int64("user_id", userID).Msg("migrated legacy tracker key to app password")
	return migrated, nil
}

// provision creates default settings once per user and process. Failures are
// logged and never fail authentication.
func (s *CredentialStore) provision(ctx context.Context, user types.User) {
	key := strconv.FormatInt(user.ID, 10)
	if s.provisioned.Has(key) {
		return
	}
	err := s.meta.EnsureProfile(ctx, user.ID, types.Profile{ShareWith: []string{}, Follow: []string{}})
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("user_id", user.ID).Msg("failed to provision user profile")
		return
	}
	s.provisioned.Set(key, struct{}{})
}
