// Package registry implements the tool registration table and the
// 7-step dispatch pipeline spec §4.2 defines: lookup, schema validation,
// capability check, rate-limit check, cancellation-aware invocation,
// response shaping, and error mapping.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/auth"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

// Handler executes one tool invocation. Implementations live under
// internal/handlers/*; they receive the already-validated, already
// capability-checked params and must honor ctx cancellation.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// RateClass selects the per-minute rate-limit bucket a tool draws from.
// Spec §4.2 sets a distinct cap per tool family rather than one uniform
// limit for every tool.
type RateClass string

const (
	RateClassObserve    RateClass = "observe"
	RateClassExperiment RateClass = "experiment"
	RateClassHypothesis RateClass = "hypothesis"
	RateClassAnomaly    RateClass = "anomaly"
	RateClassStress     RateClass = "stress"
	RateClassReplay     RateClass = "replay"
	RateClassDefault    RateClass = "default"
)

// rateLimit is requests-per-minute paired with the burst size. Burst equals
// the per-minute cap — there is no credit accumulation beyond one window,
// matching the "fixed rate, no bursting" reading of spec §4.2.
type rateLimit struct {
	perMinute float64
	burst     int
}

// rateLimitsByClass are the exact per-minute caps spec §4.2 mandates. A
// class absent from a tool registration falls back to RateClassDefault.
var rateLimitsByClass = map[RateClass]rateLimit{
	RateClassObserve:    {perMinute: 60, burst: 60},
	RateClassExperiment: {perMinute: 10, burst: 10},
	RateClassHypothesis: {perMinute: 5, burst: 5},
	RateClassAnomaly:    {perMinute: 20, burst: 20},
	RateClassStress:     {perMinute: 2, burst: 2},
	RateClassReplay:     {perMinute: 5, burst: 5},
	RateClassDefault:    {perMinute: 20, burst: 20},
}

// defaultToolTimeout bounds how long a single tool invocation may run
// before Dispatch cancels it with errs.CodeDeadlineExceeded, for tools that
// don't set a tighter Timeout of their own.
const defaultToolTimeout = 30 * time.Second

// Tool is a single registered capability surface: one of the nine
// canonical tool families spec §4.2 names (observe, experiment,
// hypothesis, stress, replay, detect_anomaly, screenshot, debug,
// orchestrate).
type Tool struct {
	Name        string
	Description string
	// SchemaJSON is the JSON-schema document tool parameters must satisfy,
	// compiled once at registration time.
	SchemaJSON json.RawMessage
	// Capability is the single auth.Capability a caller must hold to
	// invoke this tool.
	Capability auth.Capability
	// RateClass selects this tool's per-minute rate limit. The zero value
	// resolves to RateClassDefault.
	RateClass RateClass
	// Timeout bounds a single invocation of this tool. The zero value
	// resolves to defaultToolTimeout.
	Timeout time.Duration
	Handler Handler

	schema *jsonschema.Schema
}

func (t *Tool) rateClass() RateClass {
	if t.RateClass == "" {
		return RateClassDefault
	}
	return t.RateClass
}

func (t *Tool) timeout() time.Duration {
	if t.Timeout <= 0 {
		return defaultToolTimeout
	}
	return t.Timeout
}

// Registry owns the tool table, the per-(principal,tool) limiter set, and
// the rate-bucket accounting exposed through the diagnostics surface.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	limiter map[string]*rate.Limiter // keyed by principalID + "/" + tool name

	bucketsMu sync.Mutex
	buckets   map[string]*domain.RateBucket // keyed by principalID
}

func New() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		limiter: make(map[string]*rate.Limiter),
		buckets: make(map[string]*domain.RateBucket),
	}
}

// Register compiles t's schema and adds it to the table. Returns an error
// if the schema does not compile or the name is already taken.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("registry: tool %q already registered", t.Name)
	}

	if len(t.SchemaJSON) > 0 {
		var doc any
		if err := json.Unmarshal(t.SchemaJSON, &doc); err != nil {
			return fmt.Errorf("registry: unmarshal schema for %q: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		resourceName := t.Name + ".schema.json"
		if err := c.AddResource(resourceName, doc); err != nil {
			return fmt.Errorf("registry: add schema resource for %q: %w", t.Name, err)
		}
		schema, err := c.Compile(resourceName)
		if err != nil {
			return fmt.Errorf("registry: compile schema for %q: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.tools[t.Name] = &t
	return nil
}

// List returns the registered tools' names and descriptions, the shape
// `tools/list` reports to the MCP client.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, *t)
	}
	return out
}

func (r *Registry) limiterFor(principalID, toolName string, class RateClass) *rate.Limiter {
	key := principalID + "/" + toolName
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiter[key]
	if !ok {
		rl, known := rateLimitsByClass[class]
		if !known {
			rl = rateLimitsByClass[RateClassDefault]
		}
		lim = rate.NewLimiter(rate.Limit(rl.perMinute/60.0), rl.burst)
		r.limiter[key] = lim
	}
	return lim
}

// recordRequest updates the sliding rate-bucket accounting for principal's
// call to toolName, rolling the window over once a minute has elapsed.
func (r *Registry) recordRequest(principalID, toolName string) {
	r.bucketsMu.Lock()
	defer r.bucketsMu.Unlock()

	b, ok := r.buckets[principalID]
	if !ok || time.Since(b.WindowStart) >= time.Minute {
		b = &domain.RateBucket{Principal: principalID, WindowStart: time.Now(), ToolCounts: make(map[string]int)}
		r.buckets[principalID] = b
	}
	b.RequestCount++
	b.ToolCounts[toolName]++
}

// RateBuckets returns a snapshot of the current per-principal rate-bucket
// accounting, for the diagnostics surface.
func (r *Registry) RateBuckets() []domain.RateBucket {
	r.bucketsMu.Lock()
	defer r.bucketsMu.Unlock()

	out := make([]domain.RateBucket, 0, len(r.buckets))
	for _, b := range r.buckets {
		toolCounts := make(map[string]int, len(b.ToolCounts))
		for k, v := range b.ToolCounts {
			toolCounts[k] = v
		}
		out = append(out, domain.RateBucket{
			Principal:    b.Principal,
			WindowStart:  b.WindowStart,
			RequestCount: b.RequestCount,
			ToolCounts:   toolCounts,
		})
	}
	return out
}

// Dispatch runs the 7-step pipeline for a single `tools/call` invocation:
// lookup → schema validation → capability check → rate limit → invoke
// (honoring ctx cancellation) → return. Every failure path is mapped to
// a *errs.Error with the taxonomy code spec §7 specifies.
func (r *Registry) Dispatch(ctx context.Context, principal auth.Principal, toolName string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.CodeMethodNotFound, fmt.Sprintf("unknown tool %q", toolName))
	}

	if t.schema != nil {
		var doc any
		if err := json.Unmarshal(params, &doc); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidParams, "params are not valid JSON", err)
		}
		if err := t.schema.Validate(doc); err != nil {
			fieldPath := "/"
			var verr *jsonschema.ValidationError
			if errors.As(err, &verr) {
				if loc := verr.InstanceLocation; len(loc) > 0 {
					fieldPath = "/" + strings.Join(loc, "/")
				}
			}
			return nil, errs.Wrap(errs.CodeInvalidParams, "params failed schema validation", err).
				WithContext(map[string]any{"tool": toolName, "field": fieldPath})
		}
	}

	if err := auth.RequireCapability(principal, t.Capability); err != nil {
		return nil, errs.Wrap(errs.CodePermissionDenied, err.Error(), err).
			WithContext(map[string]any{"tool": toolName, "required_capability": string(t.Capability)})
	}

	lim := r.limiterFor(principal.ID, toolName, t.rateClass())
	res := lim.Reserve()
	if !res.OK() {
		return nil, errs.New(errs.CodeRateLimited, "rate limit reservation failed").
			WithContext(map[string]any{"tool": toolName})
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		retryMS := uint32(delay / time.Millisecond)
		return nil, errs.New(errs.CodeRateLimited, fmt.Sprintf("rate limit exceeded for tool %q", toolName)).
			WithRetryAfter(retryMS)
	}
	r.recordRequest(principal.ID, toolName)

	callCtx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	result, err := t.Handler(auth.WithPrincipal(callCtx, principal), params)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errs.Wrap(errs.CodeDeadlineExceeded, fmt.Sprintf("tool %q exceeded its %s timeout", toolName, t.timeout()), callCtx.Err())
		}
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.CodeCancelled, "command cancelled", ctx.Err())
		}
		return nil, errs.AsError(err)
	}
	return result, nil
}
