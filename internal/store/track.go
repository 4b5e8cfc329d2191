package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/trackserver/trackserver/types"
)

// TrackRepository handles persistence for tracks.
type TrackRepository struct {
	db *sql.DB
}

func NewTrackRepository(db *sql.DB) *TrackRepository {
	return &TrackRepository{db: db}
}

const trackColumns = `id, user_id, name, created, updated, source, comment, distance`

func scanTrack(row rowScanner) (types.Track, error) {
	var track types.Track
	if err := row.Scan(
		&track.ID,
		&track.UserID,
		&track.Name,
		&track.CreatedAt,
		&track.UpdatedAt,
		&track.Source,
		&track.Comment,
		&track.Distance,
	); err != nil {
		return types.Track{}, err
	}
	track.CreatedAt = naive(track.CreatedAt)
	track.UpdatedAt = naive(track.UpdatedAt)
	return track, nil
}

// naive drops whatever location the driver attached to a timestamp without time zone.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func (r *TrackRepository) Get(ctx context.Context, id int64) (types.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE id = $1`
	track, err := scanTrack(dbFrom(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Track{}, ErrNotFound
		}
		return types.Track{}, err
	}
	return track, nil
}

// FindByName returns the most recently updated track of the owner with that name.
func (r *TrackRepository) FindByName(ctx context.Context, userID int64, name string) (types.Track, error) {
	query := `SELECT ` + trackColumns + `
		FROM tracks
		WHERE user_id = $1 AND name = $2
		ORDER BY updated DESC, id DESC
		LIMIT 1`
	track, err := scanTrack(dbFrom(ctx, r.db).QueryRowContext(ctx, query, userID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Track{}, ErrNotFound
		}
		return types.Track{}, err
	}
	return track, nil
}

// ListByOwner returns the owner's tracks, newest first.
func (r *TrackRepository) ListByOwner(ctx context.Context, userID int64) ([]types.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE user_id = $1 ORDER BY created DESC, id DESC`
	return r.list(ctx, query, userID)
}

func (r *TrackRepository) ListByIDs(ctx context.Context, ids []int64) ([]types.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE id = ANY($1) ORDER BY id`
	return r.list(ctx, query, pq.Array(ids))
}

func (r *TrackRepository) list(ctx context.Context, query string, args ...any) ([]types.Track, error) {
	rows, err := dbFrom(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []types.Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tracks, nil
}

// Create always inserts a new row, even when the owner already has a track with that name.
func (r *TrackRepository) Create(ctx context.Context, track types.Track) (types.Track, error) {
	if track.UpdatedAt.IsZero() {
		track.UpdatedAt = track.CreatedAt
	}
	const query = `
		INSERT INTO tracks (user_id, name, created, updated, source, comment, distance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	if err := dbFrom(ctx, r.db).QueryRowContext(
		ctx,
		query,
		track.UserID,
		track.Name,
		track.CreatedAt,
		track.UpdatedAt,
		track.Source,
		track.Comment,
		track.Distance,
	).Scan(&track.ID); err != nil {
		return types.Track{}, err
	}
	return track, nil
}

// Update sets name, source and comment.
func (r *TrackRepository) Update(ctx context.Context, track types.Track) (types.Track, error) {
	const query = `
		UPDATE tracks
		SET name = $1,
			source = $2,
			comment = $3,
			updated = $4
		WHERE id = $5`
	result, err := dbFrom(ctx, r.db).ExecContext(ctx, query, track.Name, track.Source, track.Comment, track.UpdatedAt, track.ID)
	if err != nil {
		return types.Track{}, err
	}
	if err := expectAffected(result); err != nil {
		return types.Track{}, err
	}
	return r.Get(ctx, track.ID)
}

func (r *TrackRepository) SetDistance(ctx context.Context, id, distance int64, updated time.Time) error {
	const query = `UPDATE tracks SET distance = $1, updated = $2 WHERE id = $3`
	result, err := dbFrom(ctx, r.db).ExecContext(ctx, query, distance, updated, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// Delete removes the track; its locations go with it through the foreign key.
func (r *TrackRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM tracks WHERE id = $1`
	result, err := dbFrom(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// Merge moves every location of losers into winner, deletes the losers and
// renames the winner, all in one transaction.
func (r *TrackRepository) Merge(ctx context.Context, winner int64, losers []int64, name string, updated time.Time) (err error) {
	tx, err := dbFrom(ctx, r.db).BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`UPDATE locations SET trip_id = $1 WHERE trip_id = ANY($2)`, winner, pq.Array(losers)); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM tracks WHERE id = ANY($1)`, pq.Array(losers)); err != nil {
		return err
	}
	var result sql.Result
	result, err = tx.ExecContext(ctx,
		`UPDATE tracks SET name = $1, updated = $2 WHERE id = $3`, name, updated, winner)
	if err != nil {
		return err
	}
	if err = expectAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

// Split creates next, moves the locations of source that occurred after at
// into it and copies pivot into it as its first point.
func (r *TrackRepository) Split(ctx context.Context, source int64, at time.Time, pivot types.Location, next types.Track) (created types.Track, err error) {
	tx, err := dbFrom(ctx, r.db).BeginTx(ctx, nil)
	if err != nil {
		return types.Track{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = next.CreatedAt
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tracks (user_id, name, created, updated, source, comment, distance)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING id`,
		next.UserID, next.Name, next.CreatedAt, next.UpdatedAt, next.Source, next.Comment,
	).Scan(&next.ID)
	if err != nil {
		return types.Track{}, err
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE locations SET trip_id = $1 WHERE trip_id = $2 AND occurred > $3`, next.ID, source, at); err != nil {
		return types.Track{}, err
	}

	pivot.TrackID = next.ID
	if _, err = tx.ExecContext(ctx, insertLocationQuery, locationArgs(pivot)...); err != nil {
		return types.Track{}, err
	}

	if err = tx.Commit(); err != nil {
		return types.Track{}, err
	}
	return next, nil
}

func expectAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
