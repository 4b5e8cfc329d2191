package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/trackserver/trackserver/types"
)

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, login, display_name, email, password_hash, capabilities, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	var capsJSON []byte
	if err := row.Scan(
		&user.ID,
		&user.Login,
		&user.DisplayName,
		&user.Email,
		&user.PasswordHash,
		&capsJSON,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return types.User{}, err
	}
	_ = json.Unmarshal(capsJSON, &user.Capabilities)
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(dbFrom(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

// GetByLogin looks a user up by exact, case-sensitive login.
func (r *UserRepository) GetByLogin(ctx context.Context, login string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE login = $1`
	user, err := scanUser(dbFrom(ctx, r.db).QueryRowContext(ctx, query, login))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) ListByIDs(ctx context.Context, ids []int64) ([]types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1) ORDER BY id`
	return r.list(ctx, query, pq.Array(ids))
}

func (r *UserRepository) ListByLogins(ctx context.Context, logins []string) ([]types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE login = ANY($1) ORDER BY id`
	return r.list(ctx, query, pq.Array(logins))
}

// ListSharingWith returns the users whose profile shares their location with login.
func (r *UserRepository) ListSharingWith(ctx context.Context, login string) ([]types.User, error) {
	query := `
		SELECT u.id, u.login, u.display_name, u.email, u.password_hash, u.capabilities, u.created_at, u.updated_at
		FROM users u
		JOIN user_meta m ON m.user_id = u.id AND m.meta_key = 'profile'
		WHERE m.meta_value->'share_with' @> jsonb_build_array($1::text)
		ORDER BY u.id`
	return r.list(ctx, query, login)
}

func (r *UserRepository) list(ctx context.Context, query string, args ...any) ([]types.User, error) {
	rows, err := dbFrom(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Capabilities == nil {
		user.Capabilities = []types.Capability{}
	}

	capsJSON, err := json.Marshal(user.Capabilities)
	if err != nil {
		return types.User{}, err
	}

	const query = `
		INSERT INTO users (login, display_name, email, password_hash, capabilities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	if err := dbFrom(ctx, r.db).QueryRowContext(
		ctx,
		query,
		user.Login,
		user.DisplayName,
		user.Email,
		user.PasswordHash,
		capsJSON,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		if isUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	user.UpdatedAt = time.Now()
	if user.Capabilities == nil {
		user.Capabilities = []types.Capability{}
	}

	capsJSON, err := json.Marshal(user.Capabilities)
	if err != nil {
		return types.User{}, err
	}

	const query = `
		UPDATE users
		SET display_name = $1,
			email = $2,
			password_hash = $3,
			capabilities = $4,
			updated_at = $5
		WHERE id = $6`
	result, err := dbFrom(ctx, r.db).ExecContext(
		ctx,
		query,
		user.DisplayName,
		user.Email,
		user.PasswordHash,
		capsJSON,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		return types.User{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.User{}, err
	}
	if affected == 0 {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM users WHERE id = $1`
	result, err := dbFrom(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
