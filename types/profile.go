package types

import (
	"fmt"
	"strings"
)

// FenceAction is the outcome of evaluating a coordinate against a user's geofences.
type FenceAction string

const (
	FencePass    FenceAction = "pass"
	FenceHide    FenceAction = "hide"
	FenceDiscard FenceAction = "discard"
)

// ParseFenceAction accepts the two actions a geofence can be configured with.
func ParseFenceAction(raw string) (FenceAction, error) {
	switch a := FenceAction(strings.ToLower(strings.TrimSpace(raw))); a {
	case FenceHide, FenceDiscard:
		return a, nil
	default:
		return "", fmt.Errorf("invalid geofence action %q", raw)
	}
}

// Geofence is a circular area around a center point.
// A radius of zero or less disables the fence.
type Geofence struct {
	Latitude  float64     `json:"lat" validate:"latitude"`
	Longitude float64     `json:"lon" validate:"longitude"`
	Radius    float64     `json:"radius"`
	Action    FenceAction `json:"action" validate:"oneof=hide discard"`
}

// Profile holds the per-user settings the tracker protocols depend on.
type Profile struct {
	// TrackNameTemplate is a strftime pattern with an optional {source} placeholder.
	TrackNameTemplate string `json:"track_name_template"`

	// ShareWith lists the logins allowed to follow this user's live position.
	ShareWith []string `json:"share_with"`

	// Follow lists the logins this user wants to follow. Empty means everyone who shares.
	Follow []string `json:"follow"`
}
