package stages

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"document-pipeline/internal/config"
	"document-pipeline/internal/pipeline"
)

type countingLimiter struct{ calls int }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls++
	return nil
}

func TestHTTPProviderRecognize(t *testing.T) {
	var got ocrAPIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(ocrAPIResponse{Text: "Total: $5.00", Confidence: 0.93})
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	p := NewHTTPProvider(srv.URL, "secret", limiter, srv.Client())
	page, err := p.Recognize(context.Background(), OCRRequest{Image: []byte("png-bytes"), MIMEType: "image/png", PageNumber: 2})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if page.Text != "Total: $5.00" || page.Confidence != 0.93 || page.Number != 2 || page.WordCount != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if got.FileType != "png" || got.PageNumber != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if raw, _ := base64.StdEncoding.DecodeString(got.File); string(raw) != "png-bytes" {
		t.Fatalf("file not base64 encoded: %q", got.File)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be consulted once, got %d", limiter.calls)
	}
}

func TestHTTPProviderErrorClasses(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	p := NewHTTPProvider(srv.URL, "k", nil, srv.Client())

	_, err := p.Recognize(context.Background(), OCRRequest{PageNumber: 1})
	if err == nil || errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("5xx should be a retryable error, got %v", err)
	}
	status = http.StatusTooManyRequests
	if _, err = p.Recognize(context.Background(), OCRRequest{PageNumber: 1}); err == nil || errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("429 should be a retryable error, got %v", err)
	}
	status = http.StatusBadRequest
	if _, err = p.Recognize(context.Background(), OCRRequest{PageNumber: 1}); !errors.Is(err, pipeline.ErrInvalidInput) {
		t.Fatalf("400 should not be retried, got %v", err)
	}
}

func TestNewProviderFallsBackToStub(t *testing.T) {
	if _, ok := NewProvider(config.Config{OCRProvider: "mistral"}, nil, zerolog.Nop()).(StubProvider); !ok {
		t.Fatalf("expected stub without api key")
	}
	if _, ok := NewProvider(config.Config{OCRProvider: "http", OCRAPIKey: "k", OCRAPIURL: "http://ocr"}, nil, zerolog.Nop()).(*HTTPProvider); !ok {
		t.Fatalf("expected http provider with api key")
	}
	if _, ok := NewProvider(config.Config{OCRProvider: "stub", OCRAPIKey: "k"}, nil, zerolog.Nop()).(StubProvider); !ok {
		t.Fatalf("expected stub when configured")
	}
}
