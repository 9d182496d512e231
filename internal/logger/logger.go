package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is read from LOG_LEVEL, LOG_CONSOLE and LOG_SAMPLE_N. SampleN keeps
// one message in N; values below 2 log everything.
type Config struct {
	Level     string
	Console   bool
	SampleN   int
	Service   string
	Component string
}

type ctxKey string

const (
	ctxReqIDKey  ctxKey = "request_id"
	ctxSession   ctxKey = "session_id"
	ctxAlertID   ctxKey = "alert_id"
	ctxComponent ctxKey = "component"
)

// ctxFields are copied onto every record logged with a context.
var ctxFields = []ctxKey{ctxReqIDKey, ctxComponent, ctxSession, ctxAlertID}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

func WithRequestID(ctx context.Context, id string) context.Context { return with(ctx, ctxReqIDKey, id) }
func WithSession(ctx context.Context, id string) context.Context   { return with(ctx, ctxSession, id) }
func WithAlertID(ctx context.Context, id string) context.Context   { return with(ctx, ctxAlertID, id) }
func WithComponent(ctx context.Context, c string) context.Context  { return with(ctx, ctxComponent, c) }

// NewID returns a random 16-hex-digit request id.
func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base := zerolog.New(out)
	if cfg.SampleN > 1 {
		base = base.Sample(&zerolog.BasicSampler{N: uint32(min(cfg.SampleN, math.MaxInt32))})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	ctx := base.With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	return ctx.Logger()
}

// fromContext returns a child of parent carrying the context fields.
func fromContext(ctx context.Context, parent zerolog.Logger) zerolog.Logger {
	w := parent.With()
	for _, k := range ctxFields {
		if s, ok := ctx.Value(k).(string); ok && s != "" {
			w = w.Str(string(k), s)
		}
	}
	return w.Logger()
}
