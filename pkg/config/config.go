package config

import "time"

// Gateway defaults
const (
	DefaultPort        = "8080"
	DefaultBackendMode = ModeRemote
	DefaultEndpoint    = "http://127.0.0.1:6888"
	DefaultMaxMemoryMB = 48
	DefaultTimeColumn  = "Time"
	DefaultLogLevel    = "info"
)

// Backend modes
const (
	ModeRemote   = "remote"   // HTTP client to a backend node
	ModeEmbedded = "embedded" // in-process engine over BadgerDB
	ModeMemory   = "memory"   // in-process engine over memory, data lost on restart
)

// Backend node defaults
const (
	DefaultNodePort    = "6888"
	DefaultNodeStore   = "badger"
	DefaultDataDir     = "./data/tsgate"
	SessionIdleTimeout = 10 * time.Minute
	SessionReapEvery   = 1 * time.Minute
)

// Backend call timeouts
const (
	BackendCallTimeout = 30 * time.Second
	BackendLoadTimeout = 10 * time.Minute
)

// Query defaults
const (
	DefaultPrecision = 1000
)

// Import limits
const (
	ImportChunkSize     = 1 << 20 // 1 MiB
	ImportMaxUploadSize = 4 << 30
	ImportMaxFormMemory = 32 << 20
)

// Maintenance intervals
const (
	BadgerGCInterval  = 10 * time.Minute
	HealthCheckEvery  = 30 * time.Second
	ShutdownGrace     = 15 * time.Second
	ReadHeaderTimeout = 10 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
