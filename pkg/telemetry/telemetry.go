package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options controls how logging and tracing are set up for a service.
type Options struct {
	ServiceName string
	// Level is the minimum level written: debug, info, warn or error.
	Level string
	// ToStdout sends logs to stdout only. Otherwise logs go to stderr and to a
	// daily file under LogDir.
	ToStdout bool
	LogDir   string
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
}

// Init configures OpenTelemetry tracing, propagation, and structured logging for a service.
// Tracing is left as the global no-op provider when no OTLP endpoint is configured.
func Init(ctx context.Context, opts Options) (func(context.Context) error, func(http.Handler) http.Handler, *log.Logger, error) {
	if opts.ServiceName == "" {
		return nil, nil, nil, errors.New("telemetry: service name is required")
	}

	minLevel, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, nil, err
	}

	out, closeOut, err := logOutput(opts)
	if err != nil {
		return nil, nil, nil, err
	}

	logWriter := newJSONLogWriter(opts.ServiceName, out, minLevel)
	logger := log.New(logWriter, "", 0)

	shutdown := func(context.Context) error { return closeOut() }

	if opts.OTLPEndpoint != "" {
		exporter, err := newTraceExporter(ctx, opts.OTLPEndpoint)
		if err != nil {
			_ = closeOut()
			return nil, nil, nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(opts.ServiceName),
			),
		)
		if err != nil {
			_ = closeOut()
			return nil, nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)

		shutdown = func(ctx context.Context) error {
			return errors.Join(tracerProvider.Shutdown(ctx), closeOut())
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	middleware := func(next http.Handler) http.Handler {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			spanCtx := trace.SpanFromContext(r.Context()).SpanContext()
			traceID := ""
			if spanCtx.IsValid() {
				traceID = spanCtx.TraceID().String()
			}

			msg := fmt.Sprintf("%s %s %d %s", r.Method, r.URL.Path, recorder.status, time.Since(start))
			if err := logWriter.Log("INFO", msg, traceID); err != nil {
				fmt.Fprintf(os.Stderr, "telemetry: failed to write request log: %v\n", err)
			}
		})

		return otelhttp.NewHandler(handler, opts.ServiceName)
	}

	return shutdown, middleware, logger, nil
}

// NewLogger returns a logger writing JSON lines to out without touching the
// global tracing setup. Used by command line tools and tests.
func NewLogger(service string, out io.Writer, level string) (*log.Logger, error) {
	minLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.New(newJSONLogWriter(service, out, minLevel), "", 0), nil
}

func logOutput(opts Options) (io.Writer, func() error, error) {
	if opts.ToStdout {
		return os.Stdout, func() error { return nil }, nil
	}

	dir := opts.LogDir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("telemetry: create log dir: %w", err)
	}
	name := filepath.Join(dir, time.Now().Format("2006-01-02")+".log")
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: open log file: %w", err)
	}
	return io.MultiWriter(os.Stderr, file), file.Close, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}

var levelRank = map[string]int{
	"DEBUG":   0,
	"INFO":    1,
	"WARN":    2,
	"WARNING": 2,
	"ERROR":   3,
}

// ParseLevel validates a level name and returns its canonical upper-case form.
// An empty name means INFO.
func ParseLevel(name string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" {
		return "INFO", nil
	}
	if _, ok := levelRank[upper]; !ok {
		return "", fmt.Errorf("telemetry: invalid log level %q", name)
	}
	if upper == "WARNING" {
		upper = "WARN"
	}
	return upper, nil
}

type jsonLogWriter struct {
	mu      sync.Mutex
	service string
	min     int
	out     io.Writer
}

func newJSONLogWriter(service string, out io.Writer, minLevel string) *jsonLogWriter {
	if out == nil {
		out = os.Stdout
	}
	return &jsonLogWriter{service: service, out: out, min: levelRank[minLevel]}
}

func (w *jsonLogWriter) Write(p []byte) (int, error) {
	level, message := parseLevel(strings.TrimSpace(string(p)))
	if err := w.Log(level, message, ""); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *jsonLogWriter) Log(level, message, traceID string) error {
	if levelRank[level] < w.min {
		return nil
	}

	entry := map[string]string{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"level":    level,
		"service":  w.service,
		"msg":      message,
		"trace_id": traceID,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func parseLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "INFO", ""
	}

	if strings.HasPrefix(trimmed, "[") {
		if idx := strings.Index(trimmed, "]"); idx > 1 {
			level := strings.ToUpper(trimmed[1:idx])
			rest := strings.TrimSpace(trimmed[idx+1:])
			if isLevel(level) {
				return canonical(level), rest
			}
		}
	}

	if idx := strings.Index(trimmed, ":"); idx > 0 {
		level := strings.ToUpper(strings.TrimSpace(trimmed[:idx]))
		rest := strings.TrimSpace(trimmed[idx+1:])
		if isLevel(level) {
			return canonical(level), rest
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) > 1 {
		level := strings.ToUpper(fields[0])
		if isLevel(level) {
			return canonical(level), strings.TrimSpace(trimmed[len(fields[0]):])
		}
	}

	return "INFO", trimmed
}

func isLevel(level string) bool {
	_, ok := levelRank[level]
	return ok
}

func canonical(level string) string {
	if level == "WARNING" {
		return "WARN"
	}
	return level
}
