package transport

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBannerLines is the number of greeting lines the server sends
	// unconditionally after accepting a connection. They carry no payload
	// and are discarded before the connection is considered usable.
	DefaultBannerLines = 3

	DefaultDialTimeout = 3 * time.Second
)

type Options struct {
	// Host to connect to
	Host string

	// Port to connect to
	Port int

	// DialTimeout bounds the TCP connect. Zero means DefaultDialTimeout.
	DialTimeout time.Duration

	// BannerLines overrides the number of greeting lines skipped on
	// connect. Negative means none; zero means DefaultBannerLines.
	BannerLines int

	Log *zap.Logger
}

func (o Options) bannerLines() int {
	switch {
	case o.BannerLines < 0:
		return 0
	case o.BannerLines == 0:
		return DefaultBannerLines
	default:
		return o.BannerLines
	}
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout == 0 {
		return DefaultDialTimeout
	}

	return o.DialTimeout
}
