package api

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/telemetry/metrics"
)

const (
	// RequestIDHeader carries a caller-chosen request id. When no tracing
	// provider is installed it doubles as the trace id.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader echoes the trace id recorded on the decision.
	TraceIDHeader = "X-Trace-ID"
)

var tracer = otel.Tracer("kestrel-api")

// requestInfo follows a request through the middleware chain. Handlers
// annotate it so the access log can name the claim and its outcome.
type requestInfo struct {
	requestID      string
	traceID        string
	claimID        string
	recommendation string
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	ri, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return ri
}

// annotate records the claim a request evaluated.
func annotate(ctx context.Context, claimID, recommendation string) {
	if ri := infoFrom(ctx); ri != nil {
		ri.claimID = claimID
		ri.recommendation = recommendation
	}
}

// TraceID returns the trace id assigned to the request, or "".
func TraceID(ctx context.Context) string {
	if ri := infoFrom(ctx); ri != nil {
		return ri.traceID
	}
	return ""
}

// TracingMiddleware opens a span per request and hands its trace id to the
// orchestrator so decisions carry the same id as the response headers.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ri := &requestInfo{requestID: r.Header.Get(RequestIDHeader)}
		if ri.requestID == "" {
			ri.requestID = uuid.NewString()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", ri.requestID),
			),
		)
		defer span.End()

		ri.traceID = ri.requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			ri.traceID = sc.TraceID().String()
		}

		ctx = context.WithValue(ctx, requestInfoKey{}, ri)
		ctx = orchestrator.WithTraceID(ctx, ri.traceID)

		w.Header().Set(RequestIDHeader, ri.requestID)
		w.Header().Set(TraceIDHeader, ri.traceID)
		next.ServeHTTP(w, r.WithContext(ctx))

		if ri.claimID != "" {
			span.SetAttributes(
				attribute.String("claim.id", ri.claimID),
				attribute.String("claim.recommendation", ri.recommendation),
			)
		}
	})
}

// LoggingMiddleware writes one access log line per request. Evaluations add
// the claim id and recommendation.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ri := infoFrom(r.Context()); ri != nil {
			attrs = append(attrs, "request_id", ri.requestID, "trace_id", ri.traceID)
			if ri.claimID != "" {
				attrs = append(attrs, "claim_id", ri.claimID, "recommendation", ri.recommendation)
			}
		}

		level := slog.LevelInfo
		if rw.statusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// MetricsMiddleware counts requests by matched route pattern so claim ids in
// paths do not become label values.
func MetricsMiddleware(collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			collector.RecordHTTP(r.Method, route, rw.statusCode, time.Since(start))
		})
	}
}

// CORSMiddleware answers preflights and tags responses for browser clients.
// An empty origins list allows any origin.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	allowHeaders := strings.Join([]string{"Content-Type", "Authorization", RequestIDHeader, TraceIDHeader}, ", ")
	exposeHeaders := RequestIDHeader + ", " + TraceIDHeader

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(origins) == 0 && origin == "":
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case len(origins) == 0 || slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			w.Header().Set("Access-Control-Expose-Headers", exposeHeaders)
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecoverMiddleware turns a handler panic into a 500 with the usual error body.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("panic recovered", "panic", v, "path", r.URL.Path, "trace_id", TraceID(r.Context()))
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status code a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func wrap(w http.ResponseWriter) *statusRecorder {
	if rw, ok := w.(*statusRecorder); ok {
		return rw
	}
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
