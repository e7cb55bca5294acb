package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/praetorian-labs/gradeflow/pkg/cache"
	"github.com/praetorian-labs/gradeflow/pkg/errs"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/metrics"
	"github.com/praetorian-labs/gradeflow/pkg/ratelimit"
	"github.com/praetorian-labs/gradeflow/pkg/retry"
)

type fakeBackend struct {
	calls   int
	failN   int // fail the first failN calls, then succeed
	failErr error
	resp    Response
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Call(ctx context.Context, req Request) (Response, error) {
	f.calls++
	if f.calls <= f.failN {
		return Response{}, f.failErr
	}
	return f.resp, nil
}

func noRetryConfig() retry.Config {
	return retry.Config{MaxAttempts: 1}
}

func TestGatewayCallSuccess(t *testing.T) {
	backend := &fakeBackend{resp: Response{Text: "hello", Usage: Usage{InputTokens: 10, OutputTokens: 5}}}
	limiter := ratelimit.New(cache.NewMemoryStore(), time.Minute, 10, nil)
	m := &metrics.Metrics{}
	gw := New(backend, limiter, noRetryConfig(), m, nil)

	resp, err := gw.Call(context.Background(), "teacher-1", Request{Conversation: llm.NewConversation()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("resp.Text = %q, want hello", resp.Text)
	}
	if m.TokensConsumed != 15 {
		t.Fatalf("TokensConsumed = %d, want 15", m.TokensConsumed)
	}
	if m.GatewayCalls != 1 {
		t.Fatalf("GatewayCalls = %d, want 1", m.GatewayCalls)
	}
}

func TestGatewayCallDeniedByRateLimit(t *testing.T) {
	backend := &fakeBackend{resp: Response{Text: "hello"}}
	limiter := ratelimit.New(cache.NewMemoryStore(), time.Minute, 1, nil)
	m := &metrics.Metrics{}
	gw := New(backend, limiter, noRetryConfig(), m, nil)

	ctx := context.Background()
	if _, err := gw.Call(ctx, "teacher-1", Request{Conversation: llm.NewConversation()}); err != nil {
		t.Fatalf("first call should succeed: %v", err)
	}
	_, err := gw.Call(ctx, "teacher-1", Request{Conversation: llm.NewConversation()})
	if err == nil {
		t.Fatal("second call should be denied by the rate limiter")
	}
	if !errs.Is(err, errs.KindRateLimitUnavailable) {
		t.Fatalf("error should be classified KindRateLimitUnavailable, got %v", err)
	}
	if m.RateLimitDenials != 1 {
		t.Fatalf("RateLimitDenials = %d, want 1", m.RateLimitDenials)
	}
	if backend.calls != 1 {
		t.Fatalf("backend should not be called once denied, got %d calls", backend.calls)
	}
}

func TestGatewayCallRetriesTransientFailure(t *testing.T) {
	backend := &fakeBackend{
		failN:   2,
		failErr: errs.Classify(errs.KindTransientRemote, errors.New("timeout")),
		resp:    Response{Text: "recovered"},
	}
	limiter := ratelimit.New(cache.NewMemoryStore(), time.Minute, 10, nil)
	m := &metrics.Metrics{}
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1.0}
	gw := New(backend, limiter, cfg, m, nil)

	resp, err := gw.Call(context.Background(), "teacher-1", Request{Conversation: llm.NewConversation()})
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if resp.Text != "recovered" {
		t.Fatalf("resp.Text = %q, want recovered", resp.Text)
	}
	if m.GatewayRetries != 2 {
		t.Fatalf("GatewayRetries = %d, want 2", m.GatewayRetries)
	}
	if m.GatewayCalls != 3 {
		t.Fatalf("GatewayCalls = %d, want 3", m.GatewayCalls)
	}
}

func TestGatewayCallStopsOnNonRetryableKind(t *testing.T) {
	backend := &fakeBackend{
		failN:   5,
		failErr: errs.Classify(errs.KindValidation, errors.New("bad prompt")),
	}
	limiter := ratelimit.New(cache.NewMemoryStore(), time.Minute, 10, nil)
	cfg := retry.Config{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		Multiplier:        1.0,
		NonRetryableKinds: []errs.Kind{errs.KindValidation},
	}
	gw := New(backend, limiter, cfg, &metrics.Metrics{}, nil)

	_, err := gw.Call(context.Background(), "teacher-1", Request{Conversation: llm.NewConversation()})
	if err == nil {
		t.Fatal("expected error")
	}
	if backend.calls != 1 {
		t.Fatalf("backend should be called once before giving up, got %d calls", backend.calls)
	}
}

func TestGatewayCallValidatesResponseSchema(t *testing.T) {
	schema, err := NewSchema([]byte(`{"type":"object","required":["score"],"properties":{"score":{"type":"number"}}}`))
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	backend := &fakeBackend{resp: Response{Text: `{"score": "not-a-number"}`}}
	limiter := ratelimit.New(cache.NewMemoryStore(), time.Minute, 10, nil)
	gw := New(backend, limiter, noRetryConfig(), &metrics.Metrics{}, nil)

	_, err = gw.Call(context.Background(), "teacher-1", Request{
		Conversation: llm.NewConversation(),
		Schema:       schema,
	})
	if err == nil {
		t.Fatal("expected schema validation failure")
	}
	if !errs.Is(err, errs.KindSchema) {
		t.Fatalf("error should be classified KindSchema, got %v", err)
	}
}

func TestGatewayCallSchemaPassesValidResponse(t *testing.T) {
	schema, err := NewSchema([]byte(`{"type":"object","required":["score"],"properties":{"score":{"type":"number"}}}`))
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	backend := &fakeBackend{resp: Response{Text: `{"score": 0.85}`}}
	limiter := ratelimit.New(cache.NewMemoryStore(), time.Minute, 10, nil)
	gw := New(backend, limiter, noRetryConfig(), &metrics.Metrics{}, nil)

	resp, err := gw.Call(context.Background(), "teacher-1", Request{
		Conversation: llm.NewConversation(),
		Schema:       schema,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"score": 0.85}` {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestConfessionRequestsAreNeverCacheEligible(t *testing.T) {
	if (Request{Kind: RequestKindConfession}).CacheEligible() {
		t.Fatal("confession requests must never be cache eligible")
	}
	for _, kind := range []RequestKind{RequestKindRubricParse, RequestKindGrading, RequestKindLogicReview} {
		if !(Request{Kind: kind}).CacheEligible() {
			t.Fatalf("%s requests should be cache eligible", kind)
		}
	}
}
