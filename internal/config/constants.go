package config

import "time"

// Outbound request timeouts. The renewal call runs on its own detached
// context so a caller's cancellation cannot strand the queued requests
// waiting on it.
const (
	RequestTimeout = 15 * time.Second
	RenewTimeout   = 10 * time.Second
)

// Push channel settings
const (
	StreamDialTimeout  = 10 * time.Second
	StreamWriteTimeout = 5 * time.Second
	ReconnectBaseDelay = 1 * time.Second
	ReconnectMaxDelay  = 30 * time.Second
)

// Poll scheduler defaults
const (
	DefaultPollInterval = 15 * time.Second
	DefaultPollGrace    = 3 * time.Second
	PollFetchTimeout    = 10 * time.Second
)

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// Database ping timeout for startup checks
const DBPingTimeout = 5 * time.Second
