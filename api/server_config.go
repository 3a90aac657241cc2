package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures api/servers.Server.
type HTTPServerConfig struct {
	ListenAddr string

	// MetricsAddr is where Prometheus metrics are served. Empty disables the
	// metrics listener.
	MetricsAddr string

	EnablePprof bool

	Log *slog.Logger

	// AdminKey is the HS256 secret admin bearer tokens are verified with. When
	// nil the admin and rule mutation routes are served without authorization.
	AdminKey []byte

	// DrainDuration is how long Shutdown reports not ready before closing
	// listeners, so load balancers stop routing new requests.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
