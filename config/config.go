// Package config holds the daemon-wide settings the CLI entrypoint
// parses and hands to service.New/Start: listen address, dial/session
// tunables, the sqlite journal path and pool size, and logging.
//
// Grounded on testnet/cmd/main.go's CLIConfig/TestConfig split (flags
// parse into one struct, a conversion step builds the struct the
// library layer actually consumes), adapted so the library-facing
// struct here carries defaults and validation rather than leaving both
// to the CLI layer.
package config

import (
	"fmt"
	"time"

	"github.com/dropsync/dropsync/protocol"
	"github.com/dropsync/dropsync/service"
	"github.com/dropsync/dropsync/wire"
)

// Config is the complete set of daemon settings.
type Config struct {
	ListenAddr string

	DialConnectTimeout   time.Duration
	DialInitialBackoff   time.Duration
	DialMaxRetryInterval time.Duration

	SessionPingInterval          time.Duration
	SessionIdleLifetime          time.Duration
	SessionProgressIntervalBytes int64

	DBPath         string
	DBMaxOpenConns int

	LogLevel string
	LogFile  string

	// SharedSecret, if non-empty, switches the service's Authenticator
	// from the no-op default to service.SharedSecretAuth. It is not a
	// cryptographic handshake, only a placeholder until one is built.
	SharedSecret string
}

// Default returns the settings used when the CLI doesn't override them.
func Default() Config {
	sessionCfg := protocol.DefaultConfig()
	return Config{
		ListenAddr: "0.0.0.0:7738",

		DialConnectTimeout:   10 * time.Second,
		DialInitialBackoff:   200 * time.Millisecond,
		DialMaxRetryInterval: 30 * time.Second,

		SessionPingInterval:          sessionCfg.PingInterval,
		SessionIdleLifetime:          sessionCfg.IdleLifetime,
		SessionProgressIntervalBytes: sessionCfg.ProgressIntervalBytes,

		DBPath:         "dropsync.db",
		DBMaxOpenConns: 4,

		LogLevel: "info",
		LogFile:  "",
	}
}

// Validate rejects settings that would make the daemon impossible or
// unsafe to run, mirroring testnet/cmd/main.go's validateCLIConfig
// split into one check per concern.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.DialConnectTimeout <= 0 {
		return fmt.Errorf("config: dial connect timeout must be positive")
	}
	if c.DialInitialBackoff <= 0 {
		return fmt.Errorf("config: dial initial backoff must be positive")
	}
	if c.DialMaxRetryInterval <= 0 {
		return fmt.Errorf("config: dial max retry interval must be positive")
	}
	if c.SessionIdleLifetime <= 0 {
		return fmt.Errorf("config: session idle lifetime must be positive")
	}
	if c.SessionProgressIntervalBytes <= 0 {
		return fmt.Errorf("config: session progress interval bytes must be positive")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: database path must not be empty")
	}
	if c.DBMaxOpenConns <= 0 {
		return fmt.Errorf("config: database max open connections must be positive")
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log level %q: must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ServiceConfig converts to the service.Config the façade constructor
// expects.
func (c Config) ServiceConfig() service.Config {
	var auth service.Authenticator = service.NoAuth{}
	if c.SharedSecret != "" {
		auth = service.SharedSecretAuth{Secret: c.SharedSecret}
	}
	return service.Config{
		Dial: wire.DialConfig{
			ConnectTimeout:   c.DialConnectTimeout,
			InitialBackoff:   c.DialInitialBackoff,
			MaxRetryInterval: c.DialMaxRetryInterval,
		},
		Session: protocol.Config{
			PingInterval:          c.SessionPingInterval,
			IdleLifetime:          c.SessionIdleLifetime,
			ProgressIntervalBytes: c.SessionProgressIntervalBytes,
		},
		Auth: auth,
	}
}
