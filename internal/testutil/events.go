package testutil

import (
	"context"
	"sync"

	"github.com/trackserver/trackserver/internal/mq"
)

// RecordingPublisher keeps every published location event.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []mq.LocationEvent
	Err    error
}

func (p *RecordingPublisher) PublishLocation(ctx context.Context, event mq.LocationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *RecordingPublisher) Events() []mq.LocationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mq.LocationEvent(nil), p.events...)
}
