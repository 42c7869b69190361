package pkg

import (
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

var (
	// zerolog keeps these as package globals; set them once to avoid data races
	// when several nodes are created in the same process (tests do this a lot).
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
	stackOnce      sync.Once
)

// Logger wraps zerolog with the fields and config it was built from.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic)
	Level string `json:"level" yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format" mapstructure:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format" mapstructure:"timestamp_format"`

	Console  ConsoleConfig  `json:"console" yaml:"console" mapstructure:"console"`
	File     FileConfig     `json:"file" yaml:"file" mapstructure:"file"`
	Sampling SamplingConfig `json:"sampling" yaml:"sampling" mapstructure:"sampling"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields" mapstructure:"fields"`

	CallerSkipFrameCount int  `json:"caller_skip_frame_count" yaml:"caller_skip_frame_count" mapstructure:"caller_skip_frame_count"`
	EnableCaller         bool `json:"enable_caller" yaml:"enable_caller" mapstructure:"enable_caller"`
	EnableStackTrace     bool `json:"enable_stack_trace" yaml:"enable_stack_trace" mapstructure:"enable_stack_trace"`

	// AsyncWrite routes output through a diode ring buffer; BufferSize is its capacity
	AsyncWrite bool `json:"async_write" yaml:"async_write" mapstructure:"async_write"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color" mapstructure:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format" mapstructure:"time_format"`
	// Output target (stdout, stderr)
	Output string `json:"output" yaml:"output" mapstructure:"output"`
}

// FileConfig for rotating file output
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Path       string `json:"path" yaml:"path" mapstructure:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"`
	LocalTime  bool   `json:"local_time" yaml:"local_time" mapstructure:"local_time"`
	Compress   bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
}

// SamplingConfig for log sampling
type SamplingConfig struct {
	Enable bool   `json:"enable" yaml:"enable" mapstructure:"enable"`
	Every  uint32 `json:"every" yaml:"every" mapstructure:"every"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			NoColor:    false,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Enable:     false,
			Path:       "kademlia.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
		Sampling: SamplingConfig{
			Enable: false,
			Every:  10,
		},
		Fields:               make(Fields),
		CallerSkipFrameCount: 2,
		EnableCaller:         false,
		EnableStackTrace:     true,
		AsyncWrite:           false,
		BufferSize:           10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
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
			return nil, fmt.Errorf("file output enabled without a path")
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
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		closer = dw
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}
	if config.EnableStackTrace {
		stackOnce.Do(func() {
			zerolog.ErrorStackMarshaler = func(err error) any {
				return fmt.Sprintf("%+v", err)
			}
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		ctx = ctx.Caller()
	}
	for k, v := range config.Fields {
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	if config.Sampling.Enable && config.Sampling.Every > 1 {
		zl = zl.Sample(&zerolog.BasicSampler{N: config.Sampling.Every})
	}

	return &Logger{
		Logger: &zl,
		config: config,
		fields: make(Fields),
		closer: closer,
	}, nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig(), fields: make(Fields)}
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	ctx := base.With()
	for k, v := range fields {
		merged[k] = v
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// Component is shorthand for WithFields(Fields{"component": name}).
func (l *Logger) Component(name string) *Logger {
	return l.WithFields(Fields{"component": name})
}

// WithError creates a child logger with error details added
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the persistent fields of this logger.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newLogger := l.Logger.Level(lvl)
	l.Logger = &newLogger
	l.config.Level = level
	return nil
}

// Close flushes async output and closes the log file, if any.
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
