package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
)

// capture records every request body and signature the server saw and
// replays a scripted sequence of response codes.
type capture struct {
	mu         sync.Mutex
	bodies     [][]byte
	signatures []string
	codes      []int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.signatures = append(c.signatures, r.Header.Get("X-Webhook-Signature"))
		code := http.StatusOK
		if len(c.codes) > 0 {
			code, c.codes = c.codes[0], c.codes[1:]
		}
		c.mu.Unlock()
		w.WriteHeader(code)
	}
}

func (c *capture) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func newTestClient(t *testing.T, backendURL string, maxRetries int) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := NewClient(backendURL, "test-secret", maxRetries, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)

	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestNewClientValidation(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		secret string
	}{
		{"missing scheme", "backend.example.com", "s"},
		{"empty url", "", "s"},
		{"blank secret", "http://backend.example.com", "   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewClient(tc.url, tc.secret, 3, time.Second, zap.NewNop()); err == nil {
				t.Fatal("want construction error")
			}
		})
	}
}

func TestSendSignsExactBody(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 0)
	ok, err := c.Send(context.Background(), Notification{
		TaskID: "t1", DocumentID: "d1", Status: domain.Completed,
		Result: &domain.Result{Text: "hello", Confidence: 99, Language: "eng", PageCount: 1},
	})
	if err != nil || !ok {
		t.Fatalf("Send: ok=%v err=%v", ok, err)
	}

	if rec.requests() != 1 {
		t.Fatalf("want 1 request, got %d", rec.requests())
	}
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write(rec.bodies[0])
	want := hex.EncodeToString(mac.Sum(nil))
	if rec.signatures[0] != want {
		t.Fatalf("signature mismatch: got %s want %s", rec.signatures[0], want)
	}

	var p map[string]any
	if err := json.Unmarshal(rec.bodies[0], &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p["task_id"] != "t1" || p["document_id"] != "d1" || p["status"] != "completed" {
		t.Fatalf("unexpected payload: %v", p)
	}
	if _, hasResult := p["result"]; !hasResult {
		t.Fatal("completed payload must carry the result")
	}
}

func TestSignatureChangesWithBody(t *testing.T) {
	c, err := NewClient("http://backend.example.com", "test-secret", 0, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	a := c.Sign([]byte(`{"task_id":"t1"}`))
	b := c.Sign([]byte(`{"task_id":"t2"}`))
	if a == b {
		t.Fatal("different bodies must produce different signatures")
	}
	if len(a) != 64 {
		t.Fatalf("want 64 hex chars, got %d", len(a))
	}
}

func TestSendRetriesOnBackendErrors(t *testing.T) {
	rec := &capture{codes: []int{500, 503, 500, 200}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, 3)
	ok, err := c.Send(context.Background(), Notification{TaskID: "t1", Status: domain.Processing})
	if err != nil || !ok {
		t.Fatalf("Send: ok=%v err=%v", ok, err)
	}

	if rec.requests() != 4 {
		t.Fatalf("want 4 attempts, got %d", rec.requests())
	}
	want := []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("want %d backoffs, got %v", len(want), *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("backoff %d: want %v got %v", i, d, (*slept)[i])
		}
	}
}

func TestSendNoRetryOnClientError(t *testing.T) {
	rec := &capture{codes: []int{400}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, 3)
	ok, err := c.Send(context.Background(), Notification{TaskID: "t1", Status: domain.Failed, Error: "boom"})
	if ok {
		t.Fatal("4xx must not be reported as delivered")
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("want DeliveryError, got %T %v", err, err)
	}
	if rec.requests() != 1 {
		t.Fatalf("4xx must not be retried, got %d requests", rec.requests())
	}
	if len(*slept) != 0 {
		t.Fatalf("4xx must not back off, slept %v", *slept)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	rec := &capture{codes: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c, slept := newTestClient(t, srv.URL, 3)
	ok, err := c.Send(context.Background(), Notification{TaskID: "t1", Status: domain.Processing})
	if ok || err == nil {
		t.Fatalf("want exhaustion failure, ok=%v err=%v", ok, err)
	}
	if rec.requests() != 4 {
		t.Fatalf("want 4 attempts, got %d", rec.requests())
	}
	if len(*slept) != 3 {
		t.Fatalf("want 3 backoffs, got %v", *slept)
	}
}

func TestSendRejectsInvalidProgress(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 3)
	bad := 101
	ok, err := c.Send(context.Background(), Notification{TaskID: "t1", Status: domain.Processing, Progress: &bad})
	if ok || err == nil {
		t.Fatal("want validation error")
	}
	if rec.requests() != 0 {
		t.Fatalf("invalid progress must fail before any request, got %d", rec.requests())
	}
}

func TestSendRetriesConnectionErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse every connection

	c, slept := newTestClient(t, srv.URL, 2)
	ok, err := c.Send(context.Background(), Notification{TaskID: "t1", Status: domain.Processing})
	if ok || err == nil {
		t.Fatalf("want failure against dead backend, ok=%v err=%v", ok, err)
	}
	if len(*slept) != 2 {
		t.Fatalf("connection errors must be retried, slept %v", *slept)
	}
}

func TestErrorOmittedUnlessFailed(t *testing.T) {
	rec := &capture{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, 0)
	progress := 50
	ok, err := c.Send(context.Background(), Notification{
		TaskID: "t1", Status: domain.Processing, Error: "stale", Progress: &progress, CurrentOperation: "extracting",
	})
	if err != nil || !ok {
		t.Fatalf("Send: ok=%v err=%v", ok, err)
	}

	var p map[string]any
	if err := json.Unmarshal(rec.bodies[0], &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if _, has := p["error"]; has {
		t.Fatal("error must only be attached to failed notifications")
	}
	if p["progress"] != float64(50) || p["current_operation"] != "extracting" {
		t.Fatalf("unexpected payload: %v", p)
	}
}
