package config

import "time"

// Server defaults
const (
	DefaultPort = "8080"
	DefaultAddr = ":" + DefaultPort
)

// Series defaults
const (
	DefaultRetentionMillis = int64(0) // unbounded
	DefaultChunkSizeBytes  = 4096
)

// Snapshot configuration
const (
	DefaultDataDir   = "./data/tskv"
	SnapshotInterval = 5 * time.Minute
)

// HTTP timeouts
const (
	ReadTimeout     = 10 * time.Second
	WriteTimeout    = 30 * time.Second
	IdleTimeout     = 60 * time.Second
	ShutdownTimeout = 10 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSWriteDeadline   = 10 * time.Second
	WSPingInterval    = 30 * time.Second
)
