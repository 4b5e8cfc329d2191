package services

import (
	"context"
	"fmt"

	"github.com/trackserver/trackserver/internal/geo"
	"github.com/trackserver/trackserver/internal/metrics"
	"github.com/trackserver/trackserver/types"
)

// GeofenceEvaluator decides whether a coordinate is stored normally, stored
// hidden or discarded.
type GeofenceEvaluator struct {
	meta MetaRepository
}

func NewGeofenceEvaluator(meta MetaRepository) *GeofenceEvaluator {
	return &GeofenceEvaluator{meta: meta}
}

// Evaluate loads the user's fences and applies EvaluateFences.
func (e *GeofenceEvaluator) Evaluate(ctx context.Context, userID int64, lat, lon float64) (types.FenceAction, error) {
	fences, err := e.Fences(ctx, userID)
	if err != nil {
		return types.FencePass, err
	}
	return EvaluateFences(fences, lat, lon), nil
}

// Fences returns the user's configured fences in order.
func (e *GeofenceEvaluator) Fences(ctx context.Context, userID int64) ([]types.Geofence, error) {
	fences, err := e.meta.Geofences(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load geofences: %w", err)
	}
	return fences, nil
}

// EvaluateFences returns the action of the first enabled fence containing the
// point, or FencePass. A point exactly on the boundary is inside.
func EvaluateFences(fences []types.Geofence, lat, lon float64) types.FenceAction {
	action := types.FencePass
	for _, fence := range fences {
		if fence.Radius <= 0 {
			continue
		}
		if float64(geo.Distance(lat, lon, fence.Latitude, fence.Longitude)) <= fence.Radius {
			action = fence.Action
			break
		}
	}
	metrics.RecordGeofence(string(action))
	return action
}
