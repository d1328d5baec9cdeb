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

// LevelSuccess sits between info and warn. Milestones (template built, API
// reachable, VM ready) are logged at this level so operators can grep for them.
const LevelSuccess = slog.Level(2)

// Format selects the handler used when constructing a logger.
type Format string

const (
	// FormatCLI renders records as "LEVEL time | message key=value".
	FormatCLI Format = "cli"
	// FormatJSON renders records as JSON objects.
	FormatJSON Format = "json"
)

// New constructs a logger writing to w in the requested format. A nil level
// defaults to slog.LevelInfo.
func New(format Format, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}

	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceLevel,
		}))
	}
	return slog.New(&cliHandler{writer: w, level: level, mu: &sync.Mutex{}})
}

// NewCLI constructs a logger emitting human-readable records.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(FormatCLI, w, level)
}

// NewJSON constructs a logger emitting JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(FormatJSON, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Success logs msg at LevelSuccess.
func Success(logger *slog.Logger, msg string, args ...any) {
	Ensure(logger).Log(context.Background(), LevelSuccess, msg, args...)
}

// ParseLevel maps a user supplied level name to a slog level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "success":
		return LevelSuccess, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// ParseFormat maps a user supplied format name to a Format.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCLI:
		return FormatCLI, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return FormatCLI, fmt.Errorf("unknown log format %q", value)
	}
}

func levelLabel(level slog.Level) string {
	if level == LevelSuccess {
		return "SUCCESS"
	}
	return strings.ToUpper(level.String())
}

func replaceLevel(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) == 0 && attr.Key == slog.LevelKey {
		if level, ok := attr.Value.Any().(slog.Level); ok {
			attr.Value = slog.StringValue(levelLabel(level))
		}
	}
	return attr
}

type cliHandler struct {
	writer io.Writer
	level  slog.Leveler

	// shared by every handler derived through WithAttrs/WithGroup
	mu *sync.Mutex
	// attrs from WithAttrs, rendered under the groups open at the time
	preformatted string
	groups       []string
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	var line strings.Builder
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	line.WriteString(levelLabel(record.Level))
	line.WriteByte(' ')
	line.WriteString(timestamp.UTC().Format(time.RFC3339))
	line.WriteString(" | ")
	line.WriteString(record.Message)

	line.WriteString(h.preformatted)
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&line, h.groups, attr)
		return true
	})
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, line.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	var rendered strings.Builder
	rendered.WriteString(h.preformatted)
	for _, attr := range attrs {
		writeAttr(&rendered, h.groups, attr)
	}
	clone.preformatted = rendered.String()
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
		writer:       h.writer,
		level:        h.level,
		mu:           h.mu,
		preformatted: h.preformatted,
		groups:       append([]string(nil), h.groups...),
	}
}

func writeAttr(line *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, member := range value.Group() {
			writeAttr(line, nested, member)
		}
		return
	}
	if attr.Key == "" {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	line.WriteByte(' ')
	line.WriteString(key)
	line.WriteByte('=')
	line.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		s := value.String()
		if strings.ContainsAny(s, " \t\"") {
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
