package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// Handler is a [slog.Handler] that writes to a local handler and emits the
// same record to an OTel logger. The OTel logger is resolved from the global
// provider on every record, so a handler built before [Setup] starts
// exporting as soon as Setup installs a provider.
type Handler struct {
	local  slog.Handler
	scope  string
	logger otellog.Logger // fixed logger for tests; nil means global
	attrs  []otellog.KeyValue
	group  string
}

// NewHandler returns a handler that mirrors records written to local into
// the global OTel log provider under the given instrumentation scope.
func NewHandler(local slog.Handler, scope string) *Handler {
	return &Handler{local: local, scope: scope}
}

func (h *Handler) otel() otellog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return global.Logger(h.scope)
}

// Enabled reports whether the local handler wants the level. The OTel side
// follows the local level so both outputs carry the same records.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.local.Enabled(ctx, level)
}

// Handle writes r locally, then emits it to OTel. Only the local error is
// returned.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.local.Handle(ctx, r)

	logger := h.otel()
	sev := severity(r.Level)
	if !logger.Enabled(ctx, otellog.EnabledParameters{Severity: sev}) {
		return err
	}

	var rec otellog.Record
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(sev)
	rec.SetSeverityText(r.Level.String())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(convertAttr(h.group, a)...)
		return true
	})
	logger.Emit(ctx, rec)
	return err
}

// WithAttrs returns a handler carrying attrs on every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.local = h.local.WithAttrs(attrs)
	h2.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, convertAttr(h.group, a)...)
	}
	return &h2
}

// WithGroup returns a handler that prefixes later attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.local = h.local.WithGroup(name)
	h2.group = qualify(h.group, name)
	return &h2
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// convertAttr flattens a slog attribute. Groups become dotted keys.
func convertAttr(prefix string, a slog.Attr) []otellog.KeyValue {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return nil
	}
	key := qualify(prefix, a.Key)

	switch a.Value.Kind() {
	case slog.KindGroup:
		var out []otellog.KeyValue
		for _, ga := range a.Value.Group() {
			out = append(out, convertAttr(key, ga)...)
		}
		return out
	case slog.KindString:
		return []otellog.KeyValue{otellog.String(key, a.Value.String())}
	case slog.KindInt64:
		return []otellog.KeyValue{otellog.Int64(key, a.Value.Int64())}
	case slog.KindUint64:
		return []otellog.KeyValue{otellog.Int64(key, int64(a.Value.Uint64()))}
	case slog.KindFloat64:
		return []otellog.KeyValue{otellog.Float64(key, a.Value.Float64())}
	case slog.KindBool:
		return []otellog.KeyValue{otellog.Bool(key, a.Value.Bool())}
	case slog.KindDuration:
		return []otellog.KeyValue{otellog.String(key, a.Value.Duration().String())}
	case slog.KindTime:
		return []otellog.KeyValue{otellog.String(key, a.Value.Time().Format(time.RFC3339Nano))}
	default:
		return []otellog.KeyValue{otellog.String(key, fmt.Sprint(a.Value.Any()))}
	}
}

func qualify(prefix, key string) string {
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix
	}
	return prefix + "." + key
}
