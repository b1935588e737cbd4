package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "tasklist-api/api"
	requestSpanName    = "tasklist.api.request"
	requestEventName   = "tasklist.request.metrics"
	requestEventDomain = "tasklist.api"
	observabilityEvent = "observability.event"

	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

type requestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	method         string
	route          string
	start          time.Time
	authDuration   time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	tasksReturned  int
	errorStage     string
	failure        error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	return &requestMetrics{
		logger:        logger,
		span:          span,
		method:        method,
		route:         route,
		start:         time.Now(),
		tasksReturned: -1,
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDuration = d
}

// ObserveStore accumulates time spent in the collection store and assistant.
func (m *requestMetrics) ObserveStore(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.storeDuration += d
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.encodeDuration = d
}

func (m *requestMetrics) SetTasksReturned(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

// SetErrorStage records the first stage that failed.
func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" || m.errorStage != "" {
		return
	}
	m.errorStage = stage
}

// fail records a handled error so it is reported even though the handler wrote a
// response itself.
func (m *requestMetrics) fail(stage string, err error) {
	if m == nil {
		return
	}
	m.SetErrorStage(stage)
	if m.failure == nil {
		m.failure = err
	}
}

// Log ends the span and emits one structured event for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := map[string]any{
		"http.method":               m.method,
		"http.route":                m.route,
		"http.status_code":          status,
		"tasklist.request.total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		attrs["tasklist.request.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		attrs["tasklist.request.store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.encodeDuration > 0 {
		attrs["tasklist.request.encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.tasksReturned >= 0 {
		attrs["tasklist.tasks.returned"] = m.tasksReturned
	}
	if m.errorStage != "" {
		attrs["tasklist.request.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}

	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		spanAttrs := toSpanAttributes(attrs)
		m.span.SetAttributes(spanAttrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(
			append(spanAttrs,
				attribute.String("event.name", requestEventName),
				attribute.String("event.domain", requestEventDomain),
				attribute.String("severity_text", severityText),
			)...,
		))
		if severityNumber >= severityError {
			msg := "request failed"
			if err != nil {
				msg = err.Error()
			}
			m.span.SetStatus(codes.Error, msg)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityNumber {
	case severityError:
		entry.Error(observabilityEvent)
	case severityWarn:
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= 500 || (err != nil && status < 400):
		return "ERROR", severityError
	case status >= 400:
		return "WARN", severityWarn
	default:
		return "INFO", severityInfo
	}
}

func toSpanAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
