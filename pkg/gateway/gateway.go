// Package gateway is the single choke point every model call passes
// through: rate limiting, retry with classified non-retryable errors, and
// optional JSON-schema validation of the parsed response, ahead of whatever
// backend (Bedrock, OpenAI) actually talks to the wire.
package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/praetorian-labs/gradeflow/pkg/errs"
	"github.com/praetorian-labs/gradeflow/pkg/llm"
	"github.com/praetorian-labs/gradeflow/pkg/metrics"
	"github.com/praetorian-labs/gradeflow/pkg/ratelimit"
	"github.com/praetorian-labs/gradeflow/pkg/retry"
)

// Usage reports token accounting for a single model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// RequestKind labels what a Request is for, independent of which stage
// issues it. Callers that wrap Gateway with a response cache branch on this
// to decide whether a call's result may be cached at all.
type RequestKind string

const (
	RequestKindRubricParse  RequestKind = "rubric_parse"
	RequestKindPageDescribe RequestKind = "page_describe"
	RequestKindGrading      RequestKind = "grading"
	RequestKindLogicReview  RequestKind = "logic_review"
	RequestKindConfession   RequestKind = "confession"
)

// Request is a single model call: a conversation, an optional JSON schema
// the text response must satisfy, and a generation budget.
type Request struct {
	Kind         RequestKind
	Conversation *llm.Conversation
	Schema       *Schema // nil skips response validation
	MaxTokens    int
	Temperature  float64
}

// CacheEligible reports whether a response to this request may be cached.
// Confessions are never cached: each one must be generated fresh from the
// run's current grading state to preserve the neutrality contract that a
// confession reports on this run's actual outcome, not a stale one.
func (r Request) CacheEligible() bool {
	return r.Kind != RequestKindConfession
}

// Response is a single model call's result.
type Response struct {
	Text  string
	Usage Usage
}

// Backend is a vision-language model provider. Implementations (bedrock,
// openai) only need to know how to turn a Request into a Response; rate
// limiting, retry, and schema validation are handled once, here.
type Backend interface {
	Name() string
	Call(ctx context.Context, req Request) (Response, error)
}

// Gateway wraps a Backend with the cross-cutting concerns every call needs.
type Gateway struct {
	backend Backend
	limiter *ratelimit.Limiter
	retry   retry.Config
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds a Gateway in front of backend. The rate-limit bucket is chosen
// per call by Call's key argument.
func New(backend Backend, limiter *ratelimit.Limiter, retryCfg retry.Config, m *metrics.Metrics, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Gateway{backend: backend, limiter: limiter, retry: retryCfg, metrics: m, log: log}
}

// Call runs req through rate limiting, retry, and schema validation. key
// scopes the rate limit bucket (e.g. a teacher ID, or the backend name for
// a global limit).
func (g *Gateway) Call(ctx context.Context, key string, req Request) (Response, error) {
	if g.limiter != nil && !g.limiter.Allow(ctx, key) {
		atomic.AddInt64(&g.metrics.RateLimitDenials, 1)
		return Response{}, errs.Classify(errs.KindRateLimitUnavailable, errRateLimited)
	}

	attempt := 0
	resp, err := retry.DoValue(ctx, g.retry, nil, func(ctx context.Context) (Response, error) {
		if attempt > 0 {
			atomic.AddInt64(&g.metrics.GatewayRetries, 1)
		}
		attempt++

		atomic.AddInt64(&g.metrics.GatewayCalls, 1)
		r, err := g.backend.Call(ctx, req)
		if err != nil {
			return Response{}, err
		}

		if req.Schema != nil {
			if err := req.Schema.Validate(r.Text); err != nil {
				return Response{}, errs.Classify(errs.KindSchema, err)
			}
		}

		return r, nil
	})
	if err != nil {
		return Response{}, err
	}

	atomic.AddInt64(&g.metrics.TokensConsumed, int64(resp.Usage.InputTokens+resp.Usage.OutputTokens))
	return resp, nil
}
