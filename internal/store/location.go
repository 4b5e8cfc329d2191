package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/trackserver/trackserver/types"
)

// LocationRepository handles persistence for locations.
type LocationRepository struct {
	db *sql.DB
}

func NewLocationRepository(db *sql.DB) *LocationRepository {
	return &LocationRepository{db: db}
}

const locationColumns = `id, trip_id, latitude, longitude, altitude, speed, heading, created, occurred, comment, hidden`

const insertLocationQuery = `
	INSERT INTO locations (trip_id, latitude, longitude, altitude, speed, heading, created, occurred, comment, hidden)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id`

const locationInsertArity = 10

func locationArgs(l types.Location) []any {
	return []any{l.TrackID, l.Latitude, l.Longitude, l.Altitude, l.Speed, l.Heading, l.CreatedAt, l.Occurred, l.Comment, l.Hidden}
}

func scanLocation(row rowScanner) (types.Location, error) {
	var loc types.Location
	if err := row.Scan(
		&loc.ID,
		&loc.TrackID,
		&loc.Latitude,
		&loc.Longitude,
		&loc.Altitude,
		&loc.Speed,
		&loc.Heading,
		&loc.CreatedAt,
		&loc.Occurred,
		&loc.Comment,
		&loc.Hidden,
	); err != nil {
		return types.Location{}, err
	}
	loc.CreatedAt = naive(loc.CreatedAt)
	loc.Occurred = naive(loc.Occurred)
	return loc, nil
}

func (r *LocationRepository) Insert(ctx context.Context, loc types.Location) (types.Location, error) {
	if err := dbFrom(ctx, r.db).QueryRowContext(ctx, insertLocationQuery, locationArgs(loc)...).Scan(&loc.ID); err != nil {
		return types.Location{}, err
	}
	return loc, nil
}

// InsertBatch writes all rows with a single multi-row INSERT, so a batch is all or nothing.
func (r *LocationRepository) InsertBatch(ctx context.Context, locs []types.Location) (int64, error) {
	if len(locs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO locations (trip_id, latitude, longitude, altitude, speed, heading, created, occurred, comment, hidden) VALUES `)
	args := make([]any, 0, len(locs)*locationInsertArity)
	for i, loc := range locs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < locationInsertArity; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*locationInsertArity+j+1)
		}
		sb.WriteByte(')')
		args = append(args, locationArgs(loc)...)
	}

	result, err := dbFrom(ctx, r.db).ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *LocationRepository) Get(ctx context.Context, id int64) (types.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE id = $1`
	loc, err := scanLocation(dbFrom(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Location{}, ErrNotFound
		}
		return types.Location{}, err
	}
	return loc, nil
}

// ListByTrack returns the track's locations ordered by occurred.
func (r *LocationRepository) ListByTrack(ctx context.Context, trackID int64) ([]types.Location, error) {
	query := `SELECT ` + locationColumns + ` FROM locations WHERE trip_id = $1 ORDER BY occurred, id`
	rows, err := dbFrom(ctx, r.db).QueryContext(ctx, query, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []types.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locs, nil
}

func (r *LocationRepository) UpdatePosition(ctx context.Context, id int64, lat, lon float64) error {
	const query = `UPDATE locations SET latitude = $1, longitude = $2 WHERE id = $3`
	result, err := dbFrom(ctx, r.db).ExecContext(ctx, query, lat, lon, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// UpdateSpeeds writes the given speeds in one transaction.
func (r *LocationRepository) UpdateSpeeds(ctx context.Context, speeds map[int64]float64) (err error) {
	if len(speeds) == 0 {
		return nil
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

	stmt, err := tx.PrepareContext(ctx, `UPDATE locations SET speed = $1 WHERE id = $2`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, speed := range speeds {
		if _, err = stmt.ExecContext(ctx, speed, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *LocationRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM locations WHERE id = $1`
	result, err := dbFrom(ctx, r.db).ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// ListPoints returns the locations of the given tracks joined with track and
// owner, ordered by track id then occurred. Hidden locations are included only
// for tracks owned by viewerID.
func (r *LocationRepository) ListPoints(ctx context.Context, trackIDs []int64, viewerID int64) ([]types.TrackPoint, error) {
	const query = `
		SELECT l.id, l.trip_id, l.latitude, l.longitude, l.altitude, l.speed, l.heading,
			l.created, l.occurred, l.comment, l.hidden,
			t.name, t.comment, t.distance, u.id, u.login, u.display_name
		FROM locations l
		JOIN tracks t ON t.id = l.trip_id
		JOIN users u ON u.id = t.user_id
		WHERE l.trip_id = ANY($1) AND (NOT l.hidden OR t.user_id = $2)
		ORDER BY l.trip_id, l.occurred, l.id`
	rows, err := dbFrom(ctx, r.db).QueryContext(ctx, query, pq.Array(trackIDs), viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []types.TrackPoint
	for rows.Next() {
		var p types.TrackPoint
		if err := rows.Scan(
			&p.ID, &p.TrackID, &p.Latitude, &p.Longitude, &p.Altitude, &p.Speed, &p.Heading,
			&p.CreatedAt, &p.Occurred, &p.Comment, &p.Hidden,
			&p.TrackName, &p.TrackComment, &p.Distance, &p.UserID, &p.UserLogin, &p.DisplayName,
		); err != nil {
			return nil, err
		}
		p.CreatedAt = naive(p.CreatedAt)
		p.Occurred = naive(p.Occurred)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

// LatestPerUser returns, for each user, their most recent visible location.
// A non-zero since excludes locations that occurred before it.
func (r *LocationRepository) LatestPerUser(ctx context.Context, userIDs []int64, since time.Time) ([]types.TrackPoint, error) {
	var bound sql.NullTime
	if !since.IsZero() {
		bound = sql.NullTime{Time: since, Valid: true}
	}
	const query = `
		SELECT DISTINCT ON (t.user_id)
			l.id, l.trip_id, l.latitude, l.longitude, l.altitude, l.speed, l.heading,
			l.created, l.occurred, l.comment, l.hidden,
			t.name, t.comment, t.distance, u.id, u.login, u.display_name
		FROM locations l
		JOIN tracks t ON t.id = l.trip_id
		JOIN users u ON u.id = t.user_id
		WHERE t.user_id = ANY($1) AND NOT l.hidden AND ($2::timestamp IS NULL OR l.occurred >= $2)
		ORDER BY t.user_id, l.occurred DESC, l.id DESC`
	rows, err := dbFrom(ctx, r.db).QueryContext(ctx, query, pq.Array(userIDs), bound)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []types.TrackPoint
	for rows.Next() {
		var p types.TrackPoint
		if err := rows.Scan(
			&p.ID, &p.TrackID, &p.Latitude, &p.Longitude, &p.Altitude, &p.Speed, &p.Heading,
			&p.CreatedAt, &p.Occurred, &p.Comment, &p.Hidden,
			&p.TrackName, &p.TrackComment, &p.Distance, &p.UserID, &p.UserLogin, &p.DisplayName,
		); err != nil {
			return nil, err
		}
		p.CreatedAt = naive(p.CreatedAt)
		p.Occurred = naive(p.Occurred)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}
