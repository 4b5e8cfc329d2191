package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/internal/validation"
	"github.com/trackserver/trackserver/types"
)

const (
	appPasswordLength   = 16
	appPasswordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// SettingsService manages the per-user tracker settings.
type SettingsService struct {
	meta  MetaRepository
	clock localtime.Clock
}

func NewSettingsService(meta MetaRepository, clock localtime.Clock) *SettingsService {
	if clock == nil {
		clock = localtime.SystemClock{}
	}
	return &SettingsService{meta: meta, clock: clock}
}

func (s *SettingsService) AppPasswords(ctx context.Context, userID int64) ([]types.AppPassword, error) {
	return s.meta.AppPasswords(ctx, userID)
}

// AddAppPassword creates an app password with the given permissions. An empty
// secret is replaced by a random one.
func (s *SettingsService) AddAppPassword(ctx context.Context, userID int64, secret string, perms types.PermissionSet) (types.AppPassword, error) {
	if len(perms) == 0 {
		return types.AppPassword{}, fmt.Errorf("%w: at least one permission is required", ErrValidation)
	}
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return types.AppPassword{}, err
		}
		secret = generated
	}

	existing, err := s.meta.AppPasswords(ctx, userID)
	if err != nil {
		return types.AppPassword{}, err
	}
	for _, pw := range existing {
		if pw.Secret == secret {
			return types.AppPassword{}, fmt.Errorf("%w: app password already exists", ErrValidation)
		}
	}

	pw := types.AppPassword{
		ID:          uuid.NewString(),
		Secret:      secret,
		Permissions: perms,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.meta.SetAppPasswords(ctx, userID, append(existing, pw)); err != nil {
		return types.AppPassword{}, err
	}
	return pw, nil
}

func (s *SettingsService) DeleteAppPassword(ctx context.Context, userID int64, id string) error {
	existing, err := s.meta.AppPasswords(ctx, userID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(existing, func(pw types.AppPassword) bool { return pw.ID == id })
	if idx < 0 {
		return store.ErrNotFound
	}
	return s.meta.SetAppPasswords(ctx, userID, slices.Delete(existing, idx, idx+1))
}

func (s *SettingsService) Geofences(ctx context.Context, userID int64) ([]types.Geofence, error) {
	return s.meta.Geofences(ctx, userID)
}

// SetGeofences validates and replaces the user's fences, keeping their order.
func (s *SettingsService) SetGeofences(ctx context.Context, userID int64, fences []types.Geofence) error {
	for i := range fences {
		fences[i].Action = types.FenceAction(strings.ToLower(string(fences[i].Action)))
		if err := validation.ValidateStruct(&fences[i]); err != nil {
			return fmt.Errorf("%w: geofence %d: %v", ErrValidation, i, err)
		}
	}
	return s.meta.SetGeofences(ctx, userID, fences)
}

// Profile returns the stored profile, or an empty one.
func (s *SettingsService) Profile(ctx context.Context, userID int64) (types.Profile, error) {
	profile, err := s.meta.Profile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Profile{ShareWith: []string{}, Follow: []string{}}, nil
	}
	return profile, err
}

func (s *SettingsService) SetProfile(ctx context.Context, userID int64, profile types.Profile) error {
	profile.ShareWith = cleanLogins(profile.ShareWith)
	profile.Follow = cleanLogins(profile.Follow)
	return s.meta.SetProfile(ctx, userID, profile)
}

func cleanLogins(logins []string) []string {
	out := make([]string, 0, len(logins))
	for _, l := range logins {
		l = strings.TrimSpace(l)
		if l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func generateSecret() (string, error) {
	var sb strings.Builder
	limit := big.NewInt(int64(len(appPasswordAlphabet)))
	for range appPasswordLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(appPasswordAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
