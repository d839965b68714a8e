package connection

import (
	"time"

	"github.com/fluxdb/fluxdb.go/internal/codec"
	"github.com/fluxdb/fluxdb.go/pkg/constants"
	"github.com/fluxdb/fluxdb.go/pkg/logger"
)

// Config carries everything a single wire connection needs to dial,
// authenticate, and select its namespace and database.
type Config struct {
	BaseURL string

	Auth      Auth
	Namespace string
	Database  string

	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler

	// Timeout bounds each RPC; zero selects the transport default and a
	// negative value disables the per-call deadline.
	Timeout time.Duration

	// ConnectRetries is how many socket open plus handshake attempts are
	// made before Connect reports failure to every waiter.
	ConnectRetries int

	// ConnectBackoff is the pause between those attempts.
	ConnectBackoff time.Duration

	Logger logger.Logger
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return constants.ErrNoBaseURL
	}

	if c.Marshaler == nil {
		return constants.ErrNoMarshaler
	}

	if c.Unmarshaler == nil {
		return constants.ErrNoUnmarshaler
	}

	if c.Namespace == "" || c.Database == "" {
		return constants.ErrNoNamespaceOrDB
	}

	return nil
}

func (c *Config) Retries() int {
	if c.ConnectRetries > 0 {
		return c.ConnectRetries
	}
	return constants.DefaultConnectRetries
}

func (c *Config) Backoff() time.Duration {
	if c.ConnectBackoff > 0 {
		return c.ConnectBackoff
	}
	return constants.DefaultConnectBackoff
}
