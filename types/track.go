package types

import "time"

// Track is one recording session owned by a single user.
// Names are unique per owner by convention only; duplicates are legal.
type Track struct {
	// ID is the unique identifier of the track.
	ID int64 `json:"id" db:"id"`

	// UserID identifies the owner.
	UserID int64 `json:"user_id" db:"user_id"`

	// Name is the track name, usually derived from a template.
	Name string `json:"name" db:"name"`

	// CreatedAt is the local wall-clock creation time.
	CreatedAt time.Time `json:"created" db:"created"`

	// UpdatedAt is bumped on every update of the track row.
	UpdatedAt time.Time `json:"updated" db:"updated"`

	// Source is a free-text label identifying the client.
	Source string `json:"source" db:"source"`

	// Comment is an optional description.
	Comment string `json:"comment" db:"comment"`

	// Distance is the cached track length in meters.
	Distance int64 `json:"distance" db:"distance"`
}

// Location is a single fix belonging to exactly one track.
type Location struct {
	ID        int64     `json:"id" db:"id"`
	TrackID   int64     `json:"trip_id" db:"trip_id"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	Altitude  float64   `json:"altitude" db:"altitude"`
	Speed     float64   `json:"speed" db:"speed"`
	Heading   float64   `json:"heading" db:"heading"`
	CreatedAt time.Time `json:"created" db:"created"`

	// Occurred is the client-claimed local wall-clock fix time and the ordering key.
	Occurred time.Time `json:"occurred" db:"occurred"`
	Comment  string    `json:"comment" db:"comment"`

	// Hidden is set by geofencing. Hidden fixes are kept but never shown live.
	Hidden bool `json:"hidden" db:"hidden"`
}

// TrackPoint is a location row joined with its track and owner.
// Rows are expected ordered by track id, then occurred.
type TrackPoint struct {
	Location

	TrackName    string
	TrackComment string
	Distance     int64

	UserID      int64
	UserLogin   string
	DisplayName string
}
