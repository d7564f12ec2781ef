// Package peer links two qbsync daemons over a WebSocket. One side listens,
// the other dials; both speak QBP on the connection and relay the records
// their masters route to them.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"

	"github.com/openmined/qbsync/internal/change"
	"github.com/openmined/qbsync/internal/iface"
	"github.com/openmined/qbsync/internal/qbp"
	"github.com/ulule/limiter/v3"
)

const (
	KindName    = "peer"
	DefaultPath = "/qbp"
)

type Config struct {
	// URL of a listening peer, e.g. ws://10.0.0.2:7938/qbp
	URL string `json:"url,omitempty" yaml:"url"`
	// Listen address, e.g. 0.0.0.0:7938
	Listen       string          `json:"listen,omitempty" yaml:"listen"`
	DeviceID     change.DeviceID `json:"device_id,omitempty" yaml:"device_id"`
	ContentTypes []string        `json:"content_types,omitempty" yaml:"content_types"`
	Encodings    []string        `json:"encodings,omitempty" yaml:"encodings"`
	// RateLimit of connection attempts per client ip when listening, e.g. "30-M"
	RateLimit string `json:"rate_limit,omitempty" yaml:"rate_limit"`
}

func (c Config) endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Listen
}

type Kind struct{}

func (Kind) Name() string { return KindName }

func (Kind) Validate(blob qbp.Blob) ([]byte, error) {
	var cfg Config
	if err := blob.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", iface.ErrInvalidConfig, err)
	}

	switch {
	case cfg.URL == "" && cfg.Listen == "":
		return nil, fmt.Errorf("%w: one of url or listen is required", iface.ErrInvalidConfig)
	case cfg.URL != "" && cfg.Listen != "":
		return nil, fmt.Errorf("%w: url and listen are exclusive", iface.ErrInvalidConfig)
	case cfg.URL != "":
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: url: %w", iface.ErrInvalidConfig, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("%w: url scheme must be ws or wss", iface.ErrInvalidConfig)
		}
		if u.Path == "" {
			u.Path = DefaultPath
		}
		cfg.URL = u.String()
	default:
		if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
			return nil, fmt.Errorf("%w: listen: %w", iface.ErrInvalidConfig, err)
		}
	}

	for _, name := range cfg.ContentTypes {
		if _, err := qbp.LookupWireContentType(name); err != nil {
			return nil, fmt.Errorf("%w: %w", iface.ErrInvalidConfig, err)
		}
	}
	for _, name := range cfg.Encodings {
		if _, err := qbp.LookupEncoding(name); err != nil {
			return nil, fmt.Errorf("%w: %w", iface.ErrInvalidConfig, err)
		}
	}
	if cfg.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(cfg.RateLimit); err != nil {
			return nil, fmt.Errorf("%w: rate_limit: %w", iface.ErrInvalidConfig, err)
		}
	}
	if cfg.DeviceID.IsZero() {
		cfg.DeviceID = change.DeviceIDFromName(KindName + ":" + cfg.endpoint())
	}

	return json.Marshal(cfg)
}

func (Kind) Open(ctx context.Context, env iface.Env, config []byte) (iface.Backend, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return Open(cfg, env)
}
