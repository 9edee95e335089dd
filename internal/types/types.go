package types

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// OverflowPolicy decides what happens when a connection's outbound queue is full
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest queued frame to make room for the new one
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDisconnect drops the new frame and disconnects the client after
	// a configured number of consecutive overflows
	OverflowDisconnect OverflowPolicy = "disconnect"
)
