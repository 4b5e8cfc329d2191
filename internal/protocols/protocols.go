// Package protocols accepts location updates from mobile tracking clients.
//
// A Router sniffs which client protocol an inbound request speaks and hands
// it to the matching adapter. Requests that match no protocol fall through
// to the next handler, which serves the management API.
package protocols

import (
	"context"
	"time"

	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/fetch"
	"github.com/trackserver/trackserver/internal/services"
)

// Protocol names, also used as metric labels and event protocols.
const (
	ProtocolTrackMe      = "trackme"
	ProtocolMapMyTracks  = "mapmytracks"
	ProtocolUpload       = "upload"
	ProtocolOwnTracks    = "owntracks"
	ProtocolULogger      = "ulogger"
	ProtocolOsmAnd       = "osmand"
	ProtocolSendLocation = "sendlocation"
	ProtocolGeneric      = "generic"
)

// Config is the immutable adapter configuration.
type Config struct {
	TrackMeSlug      string
	TrackserverSlug  string
	ULoggerSlug      string
	OsmAndSlug       string
	SendLocationSlug string

	SessionTTL    time.Duration
	MaxUploadSize int64
}

// ConfigFromTracking copies the protocol settings out of the server config.
func ConfigFromTracking(cfg config.TrackingConfig) Config {
	return Config{
		TrackMeSlug:      cfg.TrackMeSlug,
		TrackserverSlug:  cfg.TrackserverSlug,
		ULoggerSlug:      cfg.ULoggerSlug,
		OsmAndSlug:       cfg.OsmAndSlug,
		SendLocationSlug: cfg.SendLocationSlug,
		SessionTTL:       cfg.SessionTTL,
		MaxUploadSize:    cfg.MaxUploadSize,
	}
}

func (c Config) withDefaults() Config {
	if c.TrackMeSlug == "" {
		c.TrackMeSlug = "trackme"
	}
	if c.TrackserverSlug == "" {
		c.TrackserverSlug = "ts"
	}
	if c.ULoggerSlug == "" {
		c.ULoggerSlug = "ulogger"
	}
	if c.OsmAndSlug == "" {
		c.OsmAndSlug = "osmand"
	}
	if c.SendLocationSlug == "" {
		c.SendLocationSlug = "sendlocation"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 12 * time.Hour
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = 32 << 20
	}
	return c
}

// AvatarSource returns profile pictures for OwnTracks cards.
type AvatarSource interface {
	Avatar(ctx context.Context, email string) (fetch.Response, error)
}

// Deps are the collaborators shared by all adapters. Avatars may be nil.
type Deps struct {
	Credentials *services.CredentialStore
	Tracks      *services.TrackService
	Fences      *services.GeofenceEvaluator
	Namer       *services.TrackNamer
	Live        *services.LiveService
	Importer    *services.GPXImporter
	Avatars     AvatarSource
}
