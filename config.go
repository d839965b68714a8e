package fluxdb

import (
	"time"

	"github.com/spf13/viper"

	"github.com/fluxdb/fluxdb.go/internal/codec"
	"github.com/fluxdb/fluxdb.go/pkg/connection"
	"github.com/fluxdb/fluxdb.go/pkg/logger"
)

// Config is the driver's configuration surface.
type Config struct {
	// URL is the server base URL, e.g. "ws://localhost:8000".
	URL string

	Username string
	Password string

	Namespace string
	Database  string

	// PoolSize is the target number of wire connections.
	PoolSize int

	// MinIdle is the minimum number of connections that must establish
	// during startup for New to succeed. Defaults to 1.
	MinIdle int

	// HealthCheckInterval is the period of the background health checker.
	HealthCheckInterval time.Duration

	// Timeout bounds each RPC; zero means the default, negative disables it.
	Timeout time.Duration

	// ConnectRetries and ConnectBackoff shape each connection's dial and
	// handshake retry policy.
	ConnectRetries int
	ConnectBackoff time.Duration

	// GuardThreshold enables the call guard when positive: after that many
	// consecutive transport failures, calls short-circuit with ErrGuardOpen
	// until GuardRecovery elapses.
	GuardThreshold int
	GuardRecovery  time.Duration

	Logger logger.Logger
}

// FromViper reads the configuration from v. Keys use dashes; with env
// binding enabled they map to underscored variables the usual viper way.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		URL:                 v.GetString("url"),
		Username:            v.GetString("username"),
		Password:            v.GetString("password"),
		Namespace:           v.GetString("namespace"),
		Database:            v.GetString("database"),
		PoolSize:            v.GetInt("pool-size"),
		MinIdle:             v.GetInt("min-idle"),
		HealthCheckInterval: v.GetDuration("health-check-interval"),
		Timeout:             v.GetDuration("timeout"),
		ConnectRetries:      v.GetInt("connect-retries"),
		ConnectBackoff:      v.GetDuration("connect-backoff"),
		GuardThreshold:      v.GetInt("guard-threshold"),
		GuardRecovery:       v.GetDuration("guard-recovery"),
	}
}

// connectionConfig builds the per-connection config every pool member is
// dialed with.
func (c *Config) connectionConfig() *connection.Config {
	return &connection.Config{
		BaseURL: c.URL,
		Auth: connection.Auth{
			Username: c.Username,
			Password: c.Password,
		},
		Namespace:      c.Namespace,
		Database:       c.Database,
		Marshaler:      codec.JSON{},
		Unmarshaler:    codec.JSON{},
		Timeout:        c.Timeout,
		ConnectRetries: c.ConnectRetries,
		ConnectBackoff: c.ConnectBackoff,
		Logger:         c.Logger,
	}
}
