package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/types"
)

// Keys of the per-user settings kept in user_meta.
const (
	MetaAppPasswords     = "app_passwords"
	MetaGeofences        = "geofences"
	MetaProfile          = "profile"
	MetaLegacyTrackerKey = "legacy_tracker_key"
)

// MetaRepository stores per-user JSON settings.
type MetaRepository struct {
	db *sql.DB
}

func NewMetaRepository(db *sql.DB) *MetaRepository {
	return &MetaRepository{db: db}
}

func (r *MetaRepository) get(ctx context.Context, userID int64, key string, dest any) error {
	const query = `SELECT meta_value FROM user_meta WHERE user_id = $1 AND meta_key = $2`
	var raw []byte
	if err := dbFrom(ctx, r.db).QueryRowContext(ctx, query, userID, key).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (r *MetaRepository) set(ctx context.Context, userID int64, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO user_meta (user_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value`
	_, err = dbFrom(ctx, r.db).ExecContext(ctx, query, userID, key, raw)
	return err
}

func (r *MetaRepository) AppPasswords(ctx context.Context, userID int64) ([]types.AppPassword, error) {
	var out []types.AppPassword
	if err := r.get(ctx, userID, MetaAppPasswords, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (r *MetaRepository) SetAppPasswords(ctx context.Context, userID int64, passwords []types.AppPassword) error {
	if passwords == nil {
		passwords = []types.AppPassword{}
	}
	return r.set(ctx, userID, MetaAppPasswords, passwords)
}

func (r *MetaRepository) Geofences(ctx context.Context, userID int64) ([]types.Geofence, error) {
	var out []types.Geofence
	if err := r.get(ctx, userID, MetaGeofences, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (r *MetaRepository) SetGeofences(ctx context.Context, userID int64, fences []types.Geofence) error {
	if fences == nil {
		fences = []types.Geofence{}
	}
	return r.set(ctx, userID, MetaGeofences, fences)
}

// Profile returns ErrNotFound when the user has never been provisioned.
func (r *MetaRepository) Profile(ctx context.Context, userID int64) (types.Profile, error) {
	var out types.Profile
	if err := r.get(ctx, userID, MetaProfile, &out); err != nil {
		return types.Profile{}, err
	}
	return out, nil
}

func (r *MetaRepository) SetProfile(ctx context.Context, userID int64, profile types.Profile) error {
	return r.set(ctx, userID, MetaProfile, profile)
}

// EnsureProfile stores profile unless the user already has one.
func (r *MetaRepository) EnsureProfile(ctx context.Context, userID int64, profile types.Profile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO user_meta (user_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, meta_key) DO NOTHING`
	_, err = dbFrom(ctx, r.db).ExecContext(ctx, query, userID, MetaProfile, raw)
	return err
}

// LegacyTrackerKey returns ErrNotFound when the user has no legacy key.
func (r *MetaRepository) LegacyTrackerKey(ctx context.Context, userID int64) (string, error) {
	var key string
	if err := r.get(ctx, userID, MetaLegacyTrackerKey, &key); err != nil {
		return "", err
	}
	return key, nil
}

func (r *MetaRepository) SetLegacyTrackerKey(ctx context.Context, userID int64, key string) error {
	return r.set(ctx, userID, MetaLegacyTrackerKey, key)
}

// ReplaceLegacyTrackerKey stores passwords and removes the legacy key in one transaction.
func (r *MetaRepository) ReplaceLegacyTrackerKey(ctx context.Context, userID int64, passwords []types.AppPassword) (err error) {
	raw, err := json.Marshal(passwords)
	if err != nil {
		return err
	}

	tx, err := dbFrom(ctx, r.db).BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const upsert = `
		INSERT INTO user_meta (user_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value`
	if _, err = tx.ExecContext(ctx, upsert, userID, MetaAppPasswords, raw); err != nil {
		return err
	}
	const remove = `DELETE FROM user_meta WHERE user_id = $1 AND meta_key = $2`
	if _, err = tx.ExecContext(ctx, remove, userID, MetaLegacyTrackerKey); err != nil {
		return err
	}
	return tx.Commit()
}
