package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func TestSpanMiddleware_UsesRoutePattern(t *testing.T) {
	exporter := setupTestProvider(t)

	r := chi.NewRouter()
	r.Use(SpanMiddleware)
	r.Get("/api/v1/environments/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/environments/green", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /api/v1/environments/{name}" {
		t.Errorf("unexpected span name %q", spans[0].Name)
	}
}

func TestSpanMiddleware_StatusCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantError bool
	}{
		{"ok", http.StatusOK, false},
		{"conflict", http.StatusConflict, false},
		{"unavailable", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := setupTestProvider(t)
			handler := SpanMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/switch", nil))
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if got := spans[0].Status.Code == codes.Error; got != tt.wantError {
				t.Errorf("error status = %v, want %v", got, tt.wantError)
			}
			found := false
			for _, attr := range spans[0].Attributes {
				if string(attr.Key) == "http.response.status_code" && attr.Value.AsInt64() == int64(tt.code) {
					found = true
				}
			}
			if !found {
				t.Error("expected status code attribute")
			}
		})
	}
}

func TestSpanMiddleware_DefaultStatusOK(t *testing.T) {
	exporter := setupTestProvider(t)
	handler := SpanMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "http.response.status_code" && attr.Value.AsInt64() != 200 {
			t.Errorf("expected 200, got %d", attr.Value.AsInt64())
		}
	}
}
