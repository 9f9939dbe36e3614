package pkg

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

type ctxKey string

// RequestIDKey carries an RPC or HTTP request id through a context.Context.
// Logger.WithContext adds it to every entry.
const RequestIDKey ctxKey = "request_id"

var (
	instance *Logger
	mu       sync.RWMutex

	// zerolog globals are process wide; set them once
	timeFormatOnce sync.Once
	stackOnce      sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with grid-specific helpers.
type Logger struct {
	*zerolog.Logger
	config *Config
	closer io.Closer
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console" yaml:"console"`

	// File output settings
	File FileConfig `json:"file" yaml:"file"`

	// Sampling reduces log volume in production
	Sampling SamplingConfig `json:"sampling" yaml:"sampling"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields"`

	// CallerSkipFrameCount for caller information
	CallerSkipFrameCount int `json:"caller_skip_frame_count" yaml:"caller_skip_frame_count"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// EnableStackTrace for error logs
	EnableStackTrace bool `json:"enable_stack_trace" yaml:"enable_stack_trace"`

	// AsyncWrite uses a diode writer so lock-path logging never blocks on I/O
	AsyncWrite bool `json:"async_write" yaml:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	// Output target (stdout, stderr)
	Output string `json:"output" yaml:"output"`
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" yaml:"max_age"`   // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	LocalTime  bool   `json:"local_time" yaml:"local_time"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// SamplingConfig for log sampling
type SamplingConfig struct {
	Enable bool `json:"enable" yaml:"enable"`
	// Every Nth message is kept
	Every uint32 `json:"every" yaml:"every"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Path:       "tessera.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
		Sampling: SamplingConfig{
			Every: 100,
		},
		Fields:               make(Fields),
		CallerSkipFrameCount: 2,
		EnableCaller:         true,
		EnableStackTrace:     true,
		BufferSize:           10000,
	}
}

// Init initializes the global logger with configuration
func Init(config *Config) error {
	logger, err := New(config)
	if err != nil {
		return err
	}

	SetGlobal(logger)
	return nil
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{}
	var closer io.Closer

	if config.Console.Enable {
		var output io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			output = os.Stderr
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("log file path cannot be empty")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  config.File.LocalTime,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		writer = dw
		closer = dw
	}

	// CallerSkipFrameCount is global in zerolog and must be set before Caller()
	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}

	builder := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		builder = builder.Caller()
	}
	for k, v := range config.Fields {
		builder = builder.Interface(k, v)
	}

	if config.EnableStackTrace {
		stackOnce.Do(func() {
			zerolog.ErrorStackMarshaler = func(err error) any {
				return fmt.Sprintf("%+v", err)
			}
		})
	}

	zl := builder.Logger()
	if config.Sampling.Enable && config.Sampling.Every > 1 {
		zl = zl.Sample(&zerolog.BasicSampler{N: config.Sampling.Every})
	}

	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	return &Logger{
		Logger: &zl,
		config: config,
		closer: closer,
	}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: &Config{Level: "disabled"},
	}
}

// SetGlobal sets the global logger instance
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	instance = l
}

// Get returns the global logger instance, creating a default one on first use.
func Get() *Logger {
	mu.RLock()
	l := instance
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		instance, _ = New(DefaultConfig())
	}
	return instance
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

// WithContext returns a logger carrying the request id found in ctx, or l
// when there is none.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	reqID := ctx.Value(RequestIDKey)
	if reqID == nil {
		return l
	}
	return l.WithFields(Fields{string(RequestIDKey): fmt.Sprint(reqID)})
}

// WithFields creates a child logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	ctx := l.Logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
	}
}

// Component is shorthand for WithFields(Fields{"component": name}).
func (l *Logger) Component(name string) *Logger {
	return l.WithFields(Fields{"component": name})
}

// WithError creates a child logger carrying the error and its type.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Close flushes async writers and closes the rotated log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
