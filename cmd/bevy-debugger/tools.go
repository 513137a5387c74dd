package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/auth"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/brp/validate"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/anomaly"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/experiment"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/hypothesis"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/observe"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/replay"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/screenshot"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/stress"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/orchestrate"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/registry"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/router"
)

// registerTools wires every one of the nine tool families spec §4.2 names
// into app.registry, using the BRP client for any command that touches the
// remote. Only the debug tool's commands go through the router's priority
// scheduling; the other handlers run directly on dispatch.
func registerTools(app *application) {
	must(app.registry.Register(registry.Tool{
		Name:        "observe",
		Description: "Query entity/component state with an optional diff against the previous observation of the same query.",
		SchemaJSON:  schemaObserve,
		Capability:  auth.CapRead,
		RateClass:   registry.RateClassObserve,
		Timeout:     200 * time.Millisecond,
		Handler:     app.handleObserve,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "experiment",
		Description: "Run a phased, checkpointed experiment against the live game with safety aborts.",
		SchemaJSON:  schemaExperiment,
		Capability:  auth.CapWrite,
		RateClass:   registry.RateClassExperiment,
		Handler:     app.handleExperiment,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "hypothesis",
		Description: "Statistically test a natural-language hypothesis against collected samples.",
		SchemaJSON:  schemaHypothesis,
		Capability:  auth.CapRead,
		RateClass:   registry.RateClassHypothesis,
		Handler:     app.handleHypothesis,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "stress",
		Description: "Ramp synthetic load against the game, stopping gracefully if a safety limit is breached.",
		SchemaJSON:  schemaStress,
		Capability:  auth.Capability("stress"),
		RateClass:   registry.RateClassStress,
		Handler:     app.handleStress,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "replay",
		Description: "Record, replay, branch, or compare a session's command history.",
		SchemaJSON:  schemaReplay,
		Capability:  auth.Capability("replay"),
		RateClass:   registry.RateClassReplay,
		Handler:     app.handleReplay,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "detect_anomaly",
		Description: "Flag samples that deviate from the established rolling baseline for a metric.",
		SchemaJSON:  schemaAnomaly,
		Capability:  auth.CapRead,
		RateClass:   registry.RateClassAnomaly,
		Handler:     app.handleAnomaly,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "screenshot",
		Description: "Capture a screenshot of the running game to a relative path.",
		SchemaJSON:  schemaScreenshot,
		Capability:  auth.CapRead,
		Handler:     app.handleScreenshot,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "debug",
		Description: "Issue a single raw BRP command (bevy/query, bevy/get, bevy/set, ...) through the priority router.",
		SchemaJSON:  schemaDebug,
		Capability:  auth.CapWrite,
		Handler:     app.handleDebug,
	}))
	must(app.registry.Register(registry.Tool{
		Name:        "orchestrate",
		Description: "Run a named, checkpointed pipeline of steps with ${save_as} substitution and found/not_found branching.",
		SchemaJSON:  schemaOrchestrate,
		Capability:  auth.CapAdmin,
		Handler:     app.handleOrchestrate,
	}))
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("tool registration: %v", err))
	}
}

// --- wire-format glue between the observe handler and the BRP query method ---

type wireQueryParams struct {
	With    []string `json:"with,omitempty"`
	Without []string `json:"without,omitempty"`
	Strict  bool     `json:"strict"`
	Limit   int      `json:"limit,omitempty"`
}

type wireEntity struct {
	Entity     json.RawMessage            `json:"entity"`
	Components map[string]json.RawMessage `json:"components"`
}

type wireQueryResult struct {
	Entities []wireEntity `json:"entities"`
	Total    int          `json:"total"`
}

func parseWireEntity(raw json.RawMessage) (domain.EntityRef, error) {
	return domain.ParseWireEntity(raw)
}

// observeCache remembers each principal+query's last result set so the
// `diff: true` path has something to diff against.
type observeCache struct {
	mu   sync.Mutex
	rows map[domain.FingerPrint][]observe.Row
}

func newObserveCache() *observeCache {
	return &observeCache{rows: make(map[domain.FingerPrint][]observe.Row)}
}

func (c *observeCache) fetch(fp domain.FingerPrint) ([]observe.Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, ok := c.rows[fp]
	return rows, ok
}

func (c *observeCache) store(fp domain.FingerPrint, rows []observe.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[fp] = rows
}

func (a *application) brpQuery(ctx context.Context, q observe.Query, strict, reflection bool) ([]observe.Row, int, error) {
	// Unknown components only hard-fail the whole query in strict mode;
	// non-strict queries fall through and let the partial-row result (rows
	// missing the unknown component) speak for itself, per §4.6.1.
	if strict {
		for _, c := range q.With {
			if err := a.components.Check(c); err != nil {
				return nil, 0, err
			}
		}
	}

	wire := wireQueryParams{Strict: strict, Limit: q.Limit}
	for _, c := range q.With {
		wire.With = append(wire.With, string(c))
	}
	for _, c := range q.Without {
		wire.Without = append(wire.Without, string(c))
	}
	paramsJSON, err := json.Marshal(wire)
	if err != nil {
		return nil, 0, errs.Wrap(errs.CodeBug, "marshal query params", err)
	}

	resp, err := a.brpClient.Call(ctx, domain.BrpMethodQuery, paramsJSON)
	if err != nil {
		return nil, 0, err
	}
	if resp.IsError() {
		return nil, 0, errs.New(errs.CodeHandlerFailed, resp.Error.Message)
	}

	var result wireQueryResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, 0, errs.Wrap(errs.CodeSchemaMismatch, "decode query result", err)
	}
	if err := validate.CheckResultRequiresLimit(result.Total, q.Limit); err != nil {
		return nil, 0, err
	}

	rows := make([]observe.Row, 0, len(result.Entities))
	for _, we := range result.Entities {
		ref, err := parseWireEntity(we.Entity)
		if err != nil {
			continue
		}
		comps := make(map[domain.ComponentTypeID]map[string]any, len(we.Components))
		for name, raw := range we.Components {
			var fields map[string]any
			if err := json.Unmarshal(raw, &fields); err != nil {
				continue
			}
			comps[domain.ComponentTypeID(name)] = fields
		}
		rows = append(rows, observe.Row{Entity: ref, Components: comps})
	}
	return rows, result.Total, nil
}

func (a *application) handleObserve(ctx context.Context, raw json.RawMessage) (any, error) {
	var in observe.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode observe params", err)
	}

	principal := auth.PrincipalFromContext(ctx)
	fingerprint := domain.FingerPrint(principal.ID + "|" + in.Query)

	result, err := observe.Handle(ctx, in, a.brpQuery, a.observeCache.fetch, fingerprint)
	if err != nil {
		return nil, err
	}
	a.observeCache.store(fingerprint, result.Entities)
	return result, nil
}

// --- experiment ---

func (a *application) handleExperiment(ctx context.Context, raw json.RawMessage) (any, error) {
	var in experiment.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode experiment params", err)
	}

	sessionID := a.sessionIDFromContext(ctx)
	cp := a.checkpointer(sessionID)

	duration := time.Duration(in.DurationS) * time.Second
	if duration <= 0 {
		duration = 30 * time.Second
	}

	phase := experiment.Phase{
		Name: string(in.ExperimentType),
		Run: func(ctx context.Context) error {
			params, err := json.Marshal(in.Params)
			if err != nil {
				return errs.Wrap(errs.CodeBug, "marshal experiment params", err)
			}
			_, err = a.brpClient.Call(ctx, domain.BrpMethod("bevy_debugger/experiment"), params)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(duration):
				return nil
			}
		},
	}

	monitor := func() (float64, float64) {
		report := a.monitor.Report(time.Now())
		fps := 0.0
		if ft, ok := report.Metrics[domain.MetricFrameTimeMS]; ok && ft.P95 > 0 {
			fps = 1000.0 / ft.P95
		}
		mem := report.Metrics[domain.MetricMemoryPercent].P95
		return fps, mem
	}

	result, err := experiment.Run(ctx, []experiment.Phase{phase}, monitor, cp, in.ExperimentType == experiment.TypeMultiPhase)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- hypothesis ---

func (a *application) handleHypothesis(ctx context.Context, raw json.RawMessage) (any, error) {
	var in hypothesis.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode hypothesis params", err)
	}
	if in.Confidence <= 0 {
		in.Confidence = hypothesis.DefaultConfidence
	}

	parsed, err := hypothesis.Parse(in.Hypothesis)
	if err != nil {
		return nil, err
	}

	switch parsed.Kind {
	case hypothesis.KindCorrelation:
		seriesA, seriesB, err := a.metricSeries(parsed, in.SampleSize)
		if err != nil {
			return nil, err
		}
		return hypothesis.PearsonCorrelation(seriesA, seriesB, in.Confidence), nil
	case hypothesis.KindMeanComparison:
		seriesA, seriesB, err := a.metricSeries(parsed, in.SampleSize)
		if err != nil {
			return nil, err
		}
		return hypothesis.TTest(seriesA, seriesB, in.Confidence), nil
	default:
		samples, err := a.sampleSeries(ctx, in.SampleSize)
		if err != nil {
			return nil, err
		}
		violations := 0
		for _, s := range samples {
			if s > parsed.Threshold {
				violations++
			}
		}
		return hypothesis.WilsonScore(violations, len(samples), in.Confidence), nil
	}
}

// knownMetrics is the fixed metric vocabulary spec §3 names; hypothesis
// text may reference any of these by their wire name.
var knownMetrics = map[string]domain.Metric{
	string(domain.MetricRequestLatencyMS): domain.MetricRequestLatencyMS,
	string(domain.MetricHandlerExecMS):    domain.MetricHandlerExecMS,
	string(domain.MetricMemoryMB):         domain.MetricMemoryMB,
	string(domain.MetricEntityCount):      domain.MetricEntityCount,
	string(domain.MetricDrawCalls):        domain.MetricDrawCalls,
	string(domain.MetricCPUPercent):       domain.MetricCPUPercent,
	string(domain.MetricGPUMS):            domain.MetricGPUMS,
	string(domain.MetricFrameTimeMS):      domain.MetricFrameTimeMS,
	string(domain.MetricNetworkKbps):      domain.MetricNetworkKbps,
}

// metricFromName resolves a metric name embedded in a parsed hypothesis to
// its canonical domain.Metric, erroring rather than silently substituting a
// different series when the name isn't one of the fixed metrics.
func metricFromName(name string) (domain.Metric, error) {
	if m, ok := knownMetrics[name]; ok {
		return m, nil
	}
	return "", errs.New(errs.CodeInvalidParams, fmt.Sprintf("hypothesis references unknown metric %q", name)).
		WithContext(map[string]any{"metric": name})
}

// metricSeries resolves the two independent metric series a correlation or
// mean-comparison hypothesis compares, from the monitor's recorded sample
// history rather than handing both operands the same series.
func (a *application) metricSeries(parsed hypothesis.Parsed, sampleSize uint32) ([]float64, []float64, error) {
	n := int(sampleSize)
	if n <= 0 {
		n = hypothesis.MinSampleSize
	}
	ma, err := metricFromName(parsed.MetricA)
	if err != nil {
		return nil, nil, err
	}
	mb, err := metricFromName(parsed.MetricB)
	if err != nil {
		return nil, nil, err
	}
	seriesA, seriesB := a.monitor.SamplesFor(ma, n), a.monitor.SamplesFor(mb, n)
	// Correlation/mean-comparison need paired, equal-length series; trim
	// both to the shorter history rather than padding with fabricated
	// values.
	if len(seriesA) != len(seriesB) {
		min := len(seriesA)
		if len(seriesB) < min {
			min = len(seriesB)
		}
		seriesA, seriesB = seriesA[len(seriesA)-min:], seriesB[len(seriesB)-min:]
	}
	return seriesA, seriesB, nil
}

// sampleSeries collects the Actual value of every budget violation the
// monitor has recorded (any metric) for ad-hoc hypothesis testing, padding
// with zeros up to n (default MinSampleSize). The result is not trimmed
// to n when more violations exist.
func (a *application) sampleSeries(ctx context.Context, n uint32) ([]float64, error) {
	if n == 0 {
		n = hypothesis.MinSampleSize
	}
	values := make([]float64, 0, n)
	for _, v := range a.monitor.Violations() {
		values = append(values, v.Actual)
	}
	for len(values) < int(n) {
		values = append(values, 0)
	}
	return values, nil
}

// --- stress ---

func (a *application) handleStress(ctx context.Context, raw json.RawMessage) (any, error) {
	var in stress.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode stress params", err)
	}

	apply := func(ctx context.Context, intensity float64) (domain.PerformanceSample, error) {
		params, err := json.Marshal(map[string]any{"test_type": in.TestType, "intensity": intensity})
		if err != nil {
			return domain.PerformanceSample{}, errs.Wrap(errs.CodeBug, "marshal stress params", err)
		}
		resp, err := a.brpClient.Call(ctx, domain.BrpMethod("bevy_debugger/stress"), params)
		if err != nil {
			return domain.PerformanceSample{}, err
		}
		var sample domain.PerformanceSample
		if err := json.Unmarshal(resp.Result, &sample); err != nil {
			return domain.PerformanceSample{}, errs.Wrap(errs.CodeSchemaMismatch, "decode stress sample", err)
		}
		sample.Timestamp = time.Now()
		a.monitor.Record(sample)
		return sample, nil
	}

	return stress.Run(ctx, in, apply)
}

// --- replay ---

func (a *application) handleReplay(ctx context.Context, raw json.RawMessage) (any, error) {
	var in replay.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode replay params", err)
	}

	sessionID := a.sessionIDFromContext(ctx)
	sess, err := a.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	dispatch := func(ctx context.Context, entry domain.CommandLogEntry) (domain.DebugResponse, error) {
		params, err := json.Marshal(entry.Command.Params)
		if err != nil {
			return domain.DebugResponse{}, errs.Wrap(errs.CodeBug, "marshal replay entry params", err)
		}
		resp, err := a.brpClient.Call(ctx, domain.BrpMethod(entry.Command.Kind), params)
		if err != nil {
			return domain.DebugResponse{}, err
		}
		return domain.DebugResponse{Success: !resp.IsError(), Data: resp.Result}, nil
	}

	switch in.Action {
	case replay.ActionRecord:
		return map[string]any{"recording": true, "session_id": sessionID}, nil
	case replay.ActionStop:
		return map[string]any{"recording": false, "frames": len(sess.CommandLog)}, nil
	case replay.ActionReplay, replay.ActionAnalyze:
		end := len(sess.CommandLog) - 1
		if in.EndFrame != nil {
			end = int(*in.EndFrame)
		}
		responses, err := replay.Run(ctx, sess.CommandLog, int(in.StartFrame), end, in.SpeedMultiplier, dispatch)
		if err != nil {
			return nil, err
		}
		return map[string]any{"responses": responses}, nil
	case replay.ActionCompare:
		return nil, errs.New(errs.CodeInvalidParams, "replay compare requires a second recorded trace, not available through this tool surface")
	default:
		return nil, errs.New(errs.CodeInvalidParams, fmt.Sprintf("unrecognized replay action %q", in.Action))
	}
}

// --- detect_anomaly ---

func (a *application) handleAnomaly(ctx context.Context, raw json.RawMessage) (any, error) {
	var in anomaly.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode detect_anomaly params", err)
	}

	detector := a.detectorFor(in.Sensitivity, int(in.WindowSize))

	var alerts []anomaly.Alert
	for _, v := range a.monitor.Violations() {
		sample := domain.PerformanceSample{Timestamp: time.Now(), Metric: v.Metric, Value: v.Actual}
		if alert := detector.Observe(sample); alert != nil {
			alerts = append(alerts, *alert)
		}
	}

	baselinePeriod := time.Duration(in.BaselinePeriodS) * time.Second
	if baselinePeriod <= 0 {
		baselinePeriod = anomaly.DefaultBaselinePeriodS * time.Second
	}

	return anomaly.Result{
		AnomaliesDetected:   len(alerts),
		Alerts:              alerts,
		BaselineEstablished: detector.BaselineEstablished(domain.MetricFrameTimeMS),
		ModelConfidence:     detector.ModelConfidence(domain.MetricFrameTimeMS, baselinePeriod, time.Now()),
		TimePeriodS:         in.BaselinePeriodS,
	}, nil
}

// detectorFor returns a per-application anomaly detector, keyed by the
// (sensitivity, window_size) pair so repeated calls with the same
// parameters reuse accumulated rolling state.
func (a *application) detectorFor(sensitivity float64, windowSize int) *anomaly.Detector {
	a.detectorsMu.Lock()
	defer a.detectorsMu.Unlock()
	key := fmt.Sprintf("%.2f/%d", sensitivity, windowSize)
	if d, ok := a.detectors[key]; ok {
		return d
	}
	d := anomaly.NewDetector(sensitivity, windowSize)
	a.detectors[key] = d
	return d
}

// --- screenshot ---

func (a *application) handleScreenshot(ctx context.Context, raw json.RawMessage) (any, error) {
	var in screenshot.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode screenshot params", err)
	}

	waitForFrame := func(ctx context.Context) error {
		return nil // frame-rendered notifications are best-effort; no hard wait without a subscription channel wired
	}
	capture := func(ctx context.Context, path string) error {
		params, err := json.Marshal(map[string]string{"path": path})
		if err != nil {
			return errs.Wrap(errs.CodeBug, "marshal screenshot params", err)
		}
		resp, err := a.brpClient.Call(ctx, domain.BrpMethod("bevy_debugger/screenshot"), params)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return errs.New(errs.CodeHandlerFailed, resp.Error.Message)
		}
		return nil
	}

	return screenshot.Run(ctx, in, waitForFrame, capture)
}

// --- debug (raw single BRP command through the priority router) ---

type debugInput struct {
	Command  string          `json:"command"`
	Params   json.RawMessage `json:"params"`
	Priority string          `json:"priority"`
}

func (a *application) handleDebug(ctx context.Context, raw json.RawMessage) (any, error) {
	var in debugInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode debug params", err)
	}

	kind := domain.CommandKind(in.Command)
	cmd := domain.DebugCommand{
		ID:       uuid.NewString(),
		Kind:     kind,
		Priority: domain.PriorityOf(kind),
		Params:   in.Params,
	}

	work := router.Work{
		Command: cmd,
		Fn: func(ctx context.Context) (any, error) {
			resp, err := a.brpClient.Call(ctx, domain.BrpMethod(in.Command), in.Params)
			if err != nil {
				return nil, err
			}
			if resp.IsError() {
				return nil, errs.New(errs.CodeHandlerFailed, resp.Error.Message)
			}
			return resp.Result, nil
		},
	}
	return a.router.Submit(ctx, work)
}

// --- orchestrate ---

type orchestrateInput struct {
	Steps []struct {
		Name           string          `json:"name"`
		Kind           string          `json:"kind"`
		Params         json.RawMessage `json:"params"`
		SaveAs         string          `json:"save_as"`
		Mutating       bool            `json:"mutating"`
		IfFound        string          `json:"if_found"`
		IfNotFound     string          `json:"if_not_found"`
	} `json:"steps"`
}

func (a *application) handleOrchestrate(ctx context.Context, raw json.RawMessage) (any, error) {
	var in orchestrateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidParams, "decode orchestrate params", err)
	}

	steps := make([]orchestrate.Step, 0, len(in.Steps))
	for _, s := range in.Steps {
		steps = append(steps, orchestrate.Step{
			Name:           s.Name,
			Kind:           domain.CommandKind(s.Kind),
			ParamsTemplate: s.Params,
			SaveAs:         s.SaveAs,
			Mutating:       s.Mutating,
			IfFound:        s.IfFound,
			IfNotFound:     s.IfNotFound,
		})
	}

	invoke := func(ctx context.Context, kind domain.CommandKind, params json.RawMessage) (any, error) {
		resp, err := a.brpClient.Call(ctx, domain.BrpMethod(kind), params)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, errs.New(errs.CodeHandlerFailed, resp.Error.Message)
		}
		return resp.Result, nil
	}

	sessionID := a.sessionIDFromContext(ctx)
	return orchestrate.Run(ctx, steps, invoke, a.checkpointer(sessionID))
}

// --- checkpoint glue shared by experiment/orchestrate ---

type checkpointer struct {
	app       *application
	sessionID string
}

func (a *application) checkpointer(sessionID string) checkpointer {
	return checkpointer{app: a, sessionID: sessionID}
}

func (c checkpointer) Checkpoint(ctx context.Context) (string, error) {
	resp, err := c.app.brpClient.Call(ctx, domain.BrpMethod("bevy_debugger/snapshot"), nil)
	if err != nil {
		return "", err
	}
	cp := domain.Checkpoint{
		Version:   domain.CheckpointFormatVersion,
		CreatedAt: time.Now().Unix(),
		Snapshot:  resp.Result,
	}
	ref, err := c.app.sessions.SaveCheckpoint(c.sessionID, cp)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (c checkpointer) Restore(ctx context.Context, checkpointID string) error {
	cp, err := c.app.sessions.LoadCheckpoint(c.sessionID, checkpointID)
	if err != nil {
		return err
	}
	_, err = c.app.brpClient.Call(ctx, domain.BrpMethod("bevy_debugger/restore"), cp.Snapshot)
	return err
}

// --- session resolution ---

// sessionIDFromContext resolves (creating if absent) the one session the
// current principal is attached to; spec's domain model is per-session
// but the MCP surface has no explicit session_id parameter, so sessions
// are keyed 1:1 by principal.
func (a *application) sessionIDFromContext(ctx context.Context) string {
	principal := auth.PrincipalFromContext(ctx)
	return a.sessionForPrincipal(principal.ID)
}

func (a *application) sessionForPrincipal(principalID string) string {
	a.sessionsMu.Lock()
	defer a.sessionsMu.Unlock()
	if id, ok := a.principalSessions[principalID]; ok {
		return id
	}
	sess := a.sessions.Create("")
	a.principalSessions[principalID] = sess.ID
	return sess.ID
}
