package config

import "time"

// Timeout constants
const (
	// HTTP timeouts
	DefaultHTTPTimeout    = 60 * time.Second
	WorkerShutdownTimeout = 30 * time.Second
	ServerShutdownTimeout = 30 * time.Second

	// Database timeouts
	DatabaseConnMaxLifetime = 5 * time.Minute
)

// Session reaper defaults
const (
	DefaultSessionInactivityTimeout = 30 * time.Minute
	DefaultReaperInterval           = 1 * time.Minute
	DefaultReaperBatchSize          = 100
	DefaultMaxHistory               = 50
)

// Security configuration constants
const (
	// Content Security Policy
	DefaultCSP = "default-src 'self'; style-src 'self' 'unsafe-inline'; script-src 'self'; img-src 'self' data:;"
)

// Logging constants
const (
	// NoActionPrefix marks run records where nothing needed doing
	NoActionPrefix = "NOACTION:"
)
