// Package fetch performs outbound HTTP requests behind a circuit breaker.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/metrics"
)

var (
	// ErrDisabled is returned by Avatar when avatars are turned off.
	ErrDisabled = errors.New("fetch disabled")

	// ErrNotFound means the remote answered 404.
	ErrNotFound = errors.New("remote resource not found")

	// ErrTooLarge means the body exceeded the configured limit.
	ErrTooLarge = errors.New("remote resource too large")

	// ErrInvalidURL rejects anything but absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid url")
)

const (
	kindAvatar = "avatar"
	kindProxy  = "proxy"
)

// Response is a fully read remote body.
type Response struct {
	ContentType string
	Body        []byte
}

// Client fetches avatars and proxied documents.
type Client struct {
	http           *http.Client
	breaker        *gobreaker.CircuitBreaker[Response]
	maxBytes       int64
	avatarsEnabled bool
	avatarBaseURL  string
	avatars        cmap.ConcurrentMap[string, Response]
}

// NewClient builds a Client from cfg. The breaker opens after five
// consecutive failures and probes again after a minute.
func NewClient(cfg config.FetchConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}

	breaker := gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        "outbound-fetch",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// The remote answered; a missing avatar says nothing about its health.
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrTooLarge)
		},
	})

	return &Client{
		http:           &http.Client{Timeout: timeout},
		breaker:        breaker,
		maxBytes:       maxBytes,
		avatarsEnabled: cfg.AvatarsEnabled,
		avatarBaseURL:  cfg.AvatarBaseURL,
		avatars:        cmap.New[Response](),
	}
}

// Proxy fetches an arbitrary http(s) URL for the map client.
func (c *Client) Proxy(ctx context.Context, rawURL string) (Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Response{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return c.get(ctx, kindProxy, u.String())
}

// Avatar returns the Gravatar image for email. Results, including misses,
// are cached for the life of the process.
func (c *Client) Avatar(ctx context.Context, email string) (Response, error) {
	if !c.avatarsEnabled || c.avatarBaseURL == "" {
		return Response{}, ErrDisabled
	}
	hash := AvatarHash(email)
	if cached, ok := c.avatars.Get(hash); ok {
		if cached.Body == nil {
			return Response{}, ErrNotFound
		}
		return cached, nil
	}

	resp, err := c.get(ctx, kindAvatar, strings.TrimRight(c.avatarBaseURL, "/")+"/"+hash+"?s=64&d=404")
	if errors.Is(err, ErrNotFound) {
		c.avatars.Set(hash, Response{})
		return Response{}, err
	}
	if err != nil {
		return Response{}, err
	}
	c.avatars.Set(hash, resp)
	return resp, nil
}

// AvatarHash is the Gravatar key of an email address.
func AvatarHash(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func (c *Client) get(ctx context.Context, kind, target string) (Response, error) {
	resp, err := c.breaker.Execute(func() (Response, error) {
		return c.do(ctx, target)
	})
	metrics.RecordFetch(kind, err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Ctx(ctx).Warn().Err(err).Str("kind", kind).Msg("outbound fetch rejected by circuit breaker")
		}
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, target string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("User-Agent", "trackserver")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Response{}, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Response{}, fmt.Errorf("fetch %s: unexpected status %d", req.URL.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return Response{}, err
	}
	if int64(len(body)) > c.maxBytes {
		return Response{}, ErrTooLarge
	}
	return Response{ContentType: resp.Header.Get("Content-Type"), Body: body}, nil
}
