package mq

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/trackserver/trackserver/types"
)

// LocationEvent is published after a location has been stored.
type LocationEvent struct {
	LocationID int64     `json:"location_id"`
	TrackID    int64     `json:"track_id"`
	UserID     int64     `json:"user_id"`
	Protocol   string    `json:"protocol"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	Altitude   float64   `json:"altitude"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Occurred   time.Time `json:"occurred"`
	Hidden     bool      `json:"hidden"`
}

// NewLocationEvent builds the event for a stored location.
func NewLocationEvent(loc types.Location, userID int64, protocol string) LocationEvent {
	return LocationEvent{
		LocationID: loc.ID,
		TrackID:    loc.TrackID,
		UserID:     userID,
		Protocol:   protocol,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		Altitude:   loc.Altitude,
		Speed:      loc.Speed,
		Heading:    loc.Heading,
		Occurred:   loc.Occurred,
		Hidden:     loc.Hidden,
	}
}

// EventPublisher publishes location events on a fixed channel.
type EventPublisher struct {
	mq      *MQ
	channel string
}

func NewEventPublisher(m *MQ, channel string) *EventPublisher {
	return &EventPublisher{mq: m, channel: channel}
}

func (p *EventPublisher) PublishLocation(ctx context.Context, event LocationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = p.mq.Publish(ctx, p.channel, data, map[string]string{
		AttrContentType: "application/json",
		AttrProtocol:    event.Protocol,
		AttrUserID:      strconv.FormatInt(event.UserID, 10),
	})
	return err
}

// SubscribeLocations decodes every event on the channel and hands it to fn.
// Undecodable messages are acknowledged and skipped.
func (p *EventPublisher) SubscribeLocations(ctx context.Context, fn func(ctx context.Context, event LocationEvent) error) error {
	return p.mq.Subscribe(ctx, p.channel, func(ctx context.Context, msg Message) error {
		var event LocationEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return nil
		}
		return fn(ctx, event)
	})
}
