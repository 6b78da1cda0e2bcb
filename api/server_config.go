package api

import (
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// HTTPServerConfig configures the HTTP front shared by all services.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr serves /metrics; no metrics server runs when empty.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// DrainDuration is how long /drain waits after marking the server not
	// ready, so load balancers notice.
	DrainDuration time.Duration
	// GracefulShutdownDuration bounds in-flight requests on shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout time.Duration
	// ReadHeaderTimeout defaults to ReadTimeout.
	ReadHeaderTimeout time.Duration
	// WriteTimeout must cover the slowest handler, for signer nodes a whole
	// key generation ceremony.
	WriteTimeout time.Duration
}

func (c HTTPServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.Log, validation.NotNil),
		validation.Field(&c.DrainDuration, validation.Min(time.Duration(0))),
		validation.Field(&c.GracefulShutdownDuration, validation.Min(time.Duration(0))),
		validation.Field(&c.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.WriteTimeout, validation.Min(time.Duration(0))),
	)
}
