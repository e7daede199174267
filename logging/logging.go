// Package logging builds core.Logger implementations from configuration.
//
// The toolkit logs through core.Logger. New returns the zerolog-backed
// default used by toolkitctl; NewZap adapts a host application's zap logger
// so the worker pool, queues and callback managers write into the same sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Swind/go-task-toolkit/core"
	"github.com/rs/zerolog"
)

// Output formats accepted by Config.Format.
const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Config holds logger configuration.
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // json or pretty
	Output io.Writer // defaults to os.Stderr
	Fields map[string]string
}

// New creates a zerolog-backed logger.
func New(cfg Config) (*core.ZerologLogger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var output io.Writer = os.Stderr
	if cfg.Output != nil {
		output = cfg.Output
	}
	switch cfg.Format {
	case "", FormatJSON:
	case FormatPretty:
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: cfg.Output != nil}
	default:
		return nil, fmt.Errorf("invalid log format %q: want %s or %s", cfg.Format, FormatJSON, FormatPretty)
	}

	zctx := zerolog.New(output).Level(level).With().Timestamp()
	for k, v := range cfg.Fields {
		zctx = zctx.Str(k, v)
	}
	return core.NewZerologLogger(zctx.Logger()), nil
}
