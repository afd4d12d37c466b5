package nvmekit

import "github.com/nvmekit/nvmekit/internal/logging"

// LogLevel is the level at which a Logger emits Debug/Info/Warn/Error
// messages.
type LogLevel = logging.LogLevel

// Log levels, from most to least verbose.
const (
	LevelDebug = logging.LevelDebug
	LevelInfo  = logging.LevelInfo
	LevelWarn  = logging.LevelWarn
	LevelError = logging.LevelError
)

// LoggerConfig configures a Logger's level and output writer.
type LoggerConfig = logging.Config

// Logger is the leveled logger every Controller and Qpair writes
// protocol-level diagnostics through (command timeouts, reset/enable
// progress, watchdog hits).
type Logger = logging.Logger

// NewLogger constructs a Logger; a nil config gets level Info writing
// to stderr.
func NewLogger(cfg *LoggerConfig) *Logger { return logging.NewLogger(cfg) }

// DefaultLoggerConfig returns a sensible default configuration.
func DefaultLoggerConfig() *LoggerConfig { return logging.DefaultConfig() }
