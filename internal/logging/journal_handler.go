package logging

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

const journalIdentifier = "edgeprobe"

// JournalHandler writes records to the systemd journal as structured fields,
// so `journalctl -t edgeprobe MODULE=capture DEVICE_PATH=/dev/video0` works.
type JournalHandler struct {
	level slog.Leveler
	// fixed holds fields from WithAttrs, already prefixed by the groups open
	// at the time.
	fixed  map[string]string
	groups []string
}

func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{level: level}
}

func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	return journal.Send(r.Message, journalPriority(r.Level), h.fields(r))
}

// fields flattens the handler and record attributes into journal fields.
func (h *JournalHandler) fields(r slog.Record) map[string]string {
	fields := map[string]string{
		"SYSLOG_IDENTIFIER": journalIdentifier,
	}
	for k, v := range h.fixed {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		addJournalField(fields, h.groups, a)
		return true
	})
	return fields
}

func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.fixed = make(map[string]string, len(h.fixed)+len(attrs))
	for k, v := range h.fixed {
		next.fixed[k] = v
	}
	for _, a := range attrs {
		addJournalField(next.fixed, h.groups, a)
	}
	return &next
}

func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

func addJournalField(fields map[string]string, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		inner := groups
		if a.Key != "" {
			inner = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			addJournalField(fields, inner, ga)
		}
		return
	}

	key := journalFieldName(append(append([]string(nil), groups...), a.Key))
	if key == "" {
		return
	}

	switch a.Value.Kind() {
	case slog.KindInt64:
		fields[key] = strconv.FormatInt(a.Value.Int64(), 10)
	case slog.KindUint64:
		fields[key] = strconv.FormatUint(a.Value.Uint64(), 10)
	case slog.KindFloat64:
		fields[key] = strconv.FormatFloat(a.Value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		fields[key] = strconv.FormatBool(a.Value.Bool())
	case slog.KindTime:
		fields[key] = a.Value.Time().Format(time.RFC3339Nano)
	default:
		fields[key] = a.Value.String()
	}
}

// journalFieldName joins parts into a journal field name. The journal only
// accepts A-Z, 0-9 and '_' and reserves a leading '_' for trusted fields.
func journalFieldName(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('_')
		}
		for _, c := range strings.ToUpper(p) {
			if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
				b.WriteRune(c)
			} else {
				b.WriteByte('_')
			}
		}
	}
	name := strings.TrimLeft(b.String(), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "F" + name
	}
	return name
}

// IsJournalAvailable reports whether the journal socket is reachable.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
