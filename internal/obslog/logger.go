// Package obslog provides the refinery's structured logging setup: a
// slog.Handler emitting "[TIME] [LEVEL] message key=val" lines to stderr.
package obslog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// RequestIDKey tags a context with a correlation id (ingest item id,
// webhook delivery id, analysis batch id) that Handle surfaces inline.
const RequestIDKey ctxKey = "refinery_request_id"

// WithRequestID returns a context carrying id for later log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// Handler implements slog.Handler with the "[TIME] [LEVEL] [ID] msg k=v" line shape.
type Handler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
}

// NewHandler constructs a Handler writing to w at the given options.
func NewHandler(w io.Writer, opts slog.HandlerOptions) *Handler {
	return &Handler{w: w, opts: opts}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)

	reqID := ""
	if ctx != nil {
		if v := ctx.Value(RequestIDKey); v != nil {
			if s, ok := v.(string); ok && s != "" {
				reqID = s
			}
		}
	}

	fmt.Fprintf(buf, "[%s] [%s]", r.Time.Format("2006-01-02 15:04:05"), r.Level)
	if reqID != "" {
		fmt.Fprintf(buf, " [%s]", reqID)
	}
	fmt.Fprintf(buf, " %s", r.Message)

	for _, a := range h.attrs {
		h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, a)
		return true
	})

	buf.WriteString("\n")
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *Handler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")

	val := a.Value.Resolve()
	switch val.Kind() {
	case slog.KindString:
		fmt.Fprintf(buf, "%q", val.String())
	case slog.KindTime:
		buf.WriteString(val.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(buf, "%v", val.Any())
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{w: h.w, opts: h.opts, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *Handler) WithGroup(_ string) slog.Handler {
	return h
}

// Setup installs the global slog logger at the named level ("debug",
// "info", "warn", "error"; unrecognized values fall back to info).
func Setup(levelStr string) {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(NewHandler(os.Stderr, slog.HandlerOptions{Level: level})))
}

// Banner prints the startup banner identifying the running process.
func Banner() {
	fmt.Println(`
 ____  _____ _____ ___ _   _ _____ ______   __
|  _ \| ____|  ___|_ _| \ | | ____|  _ \ \ / /
| |_) |  _| | |_   | ||  \| |  _| | |_) \ V /
|  _ <| |___|  _|  | || |\  | |___|  _ < | |
|_| \_\_____|_|   |___|_| \_|_____|_| \_\|_|
`)
}
