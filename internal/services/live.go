package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/store"
	"github.com/trackserver/trackserver/types"
)

// FriendPosition is a friend together with their latest visible location.
type FriendPosition struct {
	User  types.User
	Point types.TrackPoint
}

// LiveService answers "where is everyone now" questions.
type LiveService struct {
	users     UserRepository
	meta      MetaRepository
	locations LocationRepository
	zone      localtime.Zone
	clock     localtime.Clock
}

func NewLiveService(users UserRepository, meta MetaRepository, locations LocationRepository, zone localtime.Zone, clock localtime.Clock) *LiveService {
	if clock == nil {
		clock = localtime.SystemClock{}
	}
	return &LiveService{users: users, meta: meta, locations: locations, zone: zone, clock: clock}
}

// LatestTrackPerUser returns, per user, the id of the track holding their most
// recent visible location. A positive maxAge ignores older locations. Users
// without such a location are left out.
func (s *LiveService) LatestTrackPerUser(ctx context.Context, userIDs []int64, maxAge time.Duration) (map[int64]int64, error) {
	points, err := s.latest(ctx, userIDs, maxAge)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(points))
	for _, p := range points {
		out[p.UserID] = p.TrackID
	}
	return out, nil
}

func (s *LiveService) latest(ctx context.Context, userIDs []int64, maxAge time.Duration) ([]types.TrackPoint, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var since time.Time
	if maxAge > 0 {
		since = s.zone.Naive(s.clock.Now().Add(-maxAge))
	}
	points, err := s.locations.LatestPerUser(ctx, userIDs, since)
	if err != nil {
		return nil, fmt.Errorf("load latest locations: %w", err)
	}
	return points, nil
}

// Friends returns the users who share their location with user, restricted to
// user's follow list when it is not empty. The user is never their own friend.
func (s *LiveService) Friends(ctx context.Context, user types.User) ([]types.User, error) {
	sharing, err := s.users.ListSharingWith(ctx, user.Login)
	if err != nil {
		return nil, fmt.Errorf("load sharing users: %w", err)
	}

	profile, err := s.meta.Profile(ctx, user.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	follow := profile.Follow

	friends := make([]types.User, 0, len(sharing))
	for _, u := range sharing {
		if u.ID == user.ID {
			continue
		}
		if len(follow) > 0 && !slices.Contains(follow, u.Login) {
			continue
		}
		friends = append(friends, u)
	}
	return friends, nil
}

// FriendPositions returns each friend's latest visible location. Friends
// without one are left out. A positive maxAge ignores older locations.
func (s *LiveService) FriendPositions(ctx context.Context, user types.User, maxAge time.Duration) ([]FriendPosition, error) {
	friends, err := s.Friends(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(friends) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, f.ID)
	}
	points, err := s.latest(ctx, ids, maxAge)
	if err != nil {
		return nil, err
	}
	byUser := make(map[int64]types.TrackPoint, len(points))
	for _, p := range points {
		byUser[p.UserID] = p
	}

	out := make([]FriendPosition, 0, len(points))
	for _, f := range friends {
		if p, ok := byUser[f.ID]; ok {
			out = append(out, FriendPosition{User: f, Point: p})
		}
	}
	return out, nil
}
