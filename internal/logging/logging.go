package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records in a terse text-oriented format.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// ComponentKey is rendered as a bracketed prefix by the CLI handler instead of
// a trailing key=value pair.
const ComponentKey = "component"

// New constructs a logger targeting the provided writer using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}

	switch mode {
	case ModeJSON:
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
		return slog.New(handler)
	default:
		return slog.New(&cliHandler{writer: w, level: level, mu: &sync.Mutex{}})
	}
}

// NewCLI constructs a logger that emits human-readable records suitable for CLI use.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// ParseLevel maps the --log-level flag values onto slog levels.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// ParseMode maps the --log-format flag values onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text", "cli":
		return ModeCLI, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeCLI, fmt.Errorf("unknown log format %q", value)
	}
}

// Switchable forwards records to a handler that can be replaced after loggers
// derived from it have been handed out. The CLI swaps the output format once
// flags are parsed.
type Switchable struct {
	mu      sync.RWMutex
	handler slog.Handler
}

// NewSwitchable wraps the initial handler.
func NewSwitchable(initial slog.Handler) *Switchable {
	return &Switchable{handler: initial}
}

// Set replaces the target handler.
func (s *Switchable) Set(handler slog.Handler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *Switchable) current() slog.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// Handler returns a slog.Handler bound to s.
func (s *Switchable) Handler() slog.Handler {
	return &switchHandler{root: s}
}

type switchHandler struct {
	root *Switchable
	ops  []func(slog.Handler) slog.Handler
}

func (h *switchHandler) resolve() slog.Handler {
	handler := h.root.current()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *switchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *switchHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *switchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *switchHandler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *switchHandler) with(op func(slog.Handler) slog.Handler) slog.Handler {
	ops := append(append([]func(slog.Handler) slog.Handler(nil), h.ops...), op)
	return &switchHandler{root: h.root, ops: ops}
}

type cliHandler struct {
	writer io.Writer
	level  slog.Leveler

	mu        *sync.Mutex
	component string
	attrs     []slog.Attr
	groups    []string
}

// NewCLIHandler returns the handler used by ModeCLI loggers.
func NewCLIHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &cliHandler{writer: w, level: level, mu: &sync.Mutex{}}
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel(h.level)
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	var builder strings.Builder
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	builder.WriteString(levelLabel(record.Level))
	builder.WriteByte(' ')
	builder.WriteString(timestamp.UTC().Format(time.RFC3339))
	builder.WriteString(" | ")
	component := h.component
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == ComponentKey && len(h.groups) == 0 {
			component = attr.Value.String()
		}
		return true
	})
	if component != "" {
		builder.WriteByte('[')
		builder.WriteString(component)
		builder.WriteString("] ")
	}
	builder.WriteString(record.Message)

	for _, attr := range h.attrs {
		h.appendAttr(&builder, h.groups, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == ComponentKey && len(h.groups) == 0 {
			return true
		}
		h.appendAttr(&builder, h.groups, attr)
		return true
	})

	builder.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.writer, builder.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, attr := range attrs {
		if attr.Key == ComponentKey && len(clone.groups) == 0 {
			clone.component = attr.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, attr)
	}
	return clone
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *cliHandler) clone() *cliHandler {
	return &cliHandler{
		writer:    h.writer,
		level:     h.level,
		mu:        h.mu,
		component: h.component,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
	}
}

func (h *cliHandler) appendAttr(builder *strings.Builder, groups []string, attr slog.Attr) {
	value := resolveValue(attr.Value)
	if value.Kind() == slog.KindGroup {
		nestedGroups := append(append([]string(nil), groups...), attr.Key)
		for _, nested := range value.Group() {
			h.appendAttr(builder, nestedGroups, nested)
		}
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(append(append([]string(nil), groups...), key), ".")
	}

	builder.WriteByte(' ')
	builder.WriteString(key)
	builder.WriteByte('=')
	builder.WriteString(formatValue(value))
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN "
	case level >= slog.LevelInfo:
		return "INFO "
	default:
		return "DEBUG"
	}
}

func formatValue(value slog.Value) string {
	value = resolveValue(value)
	switch value.Kind() {
	case slog.KindString:
		s := value.String()
		if s == "" || strings.ContainsAny(s, " \t\"=") {
			return strconv.Quote(s)
		}
		return s
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return strconv.Quote(err.Error())
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}

func currentLevel(level slog.Leveler) slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

func resolveValue(value slog.Value) slog.Value {
	for i := 0; i < 4; i++ {
		if value.Kind() != slog.KindLogValuer {
			return value
		}
		value = value.Resolve()
	}
	return value
}
