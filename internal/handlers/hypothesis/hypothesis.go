// Package hypothesis implements the "hypothesis" debug command (spec
// §4.6.3): parsing a small set of recognized hypothesis patterns and
// testing them against collected samples with the matching statistic.
package hypothesis

import (
	"math"
	"strconv"
	"strings"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

// Kind identifies which recognized hypothesis pattern a statement parsed
// into.
type Kind string

const (
	KindCorrelation     Kind = "correlation"
	KindMeanComparison  Kind = "mean_comparison"
	KindThresholdRate   Kind = "threshold_violation_rate"
)

// Input is the validated `hypothesis` tool invocation.
type Input struct {
	Hypothesis     string  `json:"hypothesis"`
	Confidence     float64 `json:"confidence"`
	TestDurationS  uint32  `json:"test_duration_s"`
	SampleSize     uint32  `json:"sample_size"`
}

const (
	DefaultConfidence = 0.95
	MinSampleSize     = 30
)

// Parsed is the null/alternative formulation a recognized hypothesis
// string compiles to.
type Parsed struct {
	Kind Kind
	// MetricA/MetricB name the samples this hypothesis compares
	// (MetricB empty for threshold-rate hypotheses).
	MetricA, MetricB string
	// Threshold is used by threshold-rate hypotheses.
	Threshold float64
}

// Parse recognizes one of three patterns:
//
//	"X correlates with Y"
//	"X is higher/lower than Y" (mean comparison)
//	"X exceeds T less than P% of the time" (threshold violation rate)
func Parse(raw string) (Parsed, error) {
	lower := strings.ToLower(raw)

	if strings.Contains(lower, "correlate") {
		parts := strings.SplitN(lower, "correlates with", 2)
		if len(parts) != 2 {
			return Parsed{}, unrecognizedError(raw)
		}
		return Parsed{Kind: KindCorrelation, MetricA: strings.TrimSpace(parts[0]), MetricB: strings.TrimSpace(parts[1])}, nil
	}

	if strings.Contains(lower, "higher than") || strings.Contains(lower, "lower than") {
		sep := "higher than"
		if strings.Contains(lower, "lower than") {
			sep = "lower than"
		}
		parts := strings.SplitN(lower, sep, 2)
		if len(parts) != 2 {
			return Parsed{}, unrecognizedError(raw)
		}
		return Parsed{Kind: KindMeanComparison, MetricA: strings.TrimSpace(parts[0]), MetricB: strings.TrimSpace(parts[1])}, nil
	}

	if idx := strings.Index(lower, "exceeds"); idx >= 0 {
		p := Parsed{Kind: KindThresholdRate, MetricA: strings.TrimSpace(lower)}
		if fields := strings.Fields(lower[idx+len("exceeds"):]); len(fields) > 0 {
			// Strip a trailing unit such as "ms" or "%" before parsing T.
			if t, err := strconv.ParseFloat(strings.TrimRight(fields[0], "abcdefghijklmnopqrstuvwxyz%"), 64); err == nil {
				p.Threshold = t
			}
		}
		return p, nil
	}

	return Parsed{}, unrecognizedError(raw)
}

func unrecognizedError(raw string) error {
	return errs.New(errs.CodeInvalidParams, "hypothesis did not match a recognized pattern").
		WithContext(map[string]any{"hypothesis": raw}).
		WithSuggestions(
			"\"X correlates with Y\"",
			"\"X is higher than Y\"",
			"\"X exceeds T\"",
		)
}

// Result is the `hypothesis` tool's structured response.
type Result struct {
	HypothesisSupported *bool    `json:"hypothesis_supported"`
	Confidence           float64  `json:"confidence"`
	PValue               float64  `json:"p_value"`
	EffectSize           float64  `json:"effect_size"`
	CILow                float64  `json:"ci_low,omitempty"`
	CIHigh               float64  `json:"ci_high,omitempty"`
	Conclusion           string   `json:"conclusion"`
	Recommendations      []string `json:"recommendations"`
}

// TTest runs Welch's two-sample t-test, approximating the p-value via the
// normal-distribution tail (sufficient for sample_size >= 30 per spec).
func TTest(a, b []float64, confidence float64) Result {
	meanA, varA := meanVariance(a)
	meanB, varB := meanVariance(b)
	na, nb := float64(len(a)), float64(len(b))

	se := math.Sqrt(varA/na + varB/nb)
	t := 0.0
	if se > 0 {
		t = (meanA - meanB) / se
	}
	p := 2 * (1 - normalCDF(math.Abs(t)))
	supported := p < (1 - confidence)

	effectSize := 0.0
	pooledSD := math.Sqrt((varA + varB) / 2)
	if pooledSD > 0 {
		effectSize = (meanA - meanB) / pooledSD
	}

	return Result{
		HypothesisSupported: &supported,
		Confidence:          confidence,
		PValue:              p,
		EffectSize:          effectSize,
		Conclusion:          conclusionFor(supported, "mean difference"),
	}
}

// PearsonCorrelation computes r and its Fisher-transformed confidence
// interval/p-value for the "X correlates with Y" pattern.
func PearsonCorrelation(a, b []float64, confidence float64) Result {
	n := len(a)
	if n != len(b) || n < 2 {
		return Result{Conclusion: "insufficient paired samples"}
	}

	meanA, _ := meanVariance(a)
	meanB, _ := meanVariance(b)

	var sumAB, sumA2, sumB2 float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		sumAB += da * db
		sumA2 += da * da
		sumB2 += db * db
	}
	r := 0.0
	if sumA2 > 0 && sumB2 > 0 {
		r = sumAB / math.Sqrt(sumA2*sumB2)
	}

	z := 0.5 * math.Log((1+r)/(1-r+1e-12))
	seZ := 1 / math.Sqrt(float64(n)-3)
	zCrit := zForConfidence(confidence)
	loZ, hiZ := z-zCrit*seZ, z+zCrit*seZ
	ciLow := math.Tanh(loZ)
	ciHigh := math.Tanh(hiZ)

	pValue := 2 * (1 - normalCDF(math.Abs(z/seZ)))
	supported := pValue < (1 - confidence)

	return Result{
		HypothesisSupported: &supported,
		Confidence:          confidence,
		PValue:              pValue,
		EffectSize:          r,
		CILow:               ciLow,
		CIHigh:              ciHigh,
		Conclusion:          conclusionFor(supported, "correlation"),
	}
}

// WilsonScore computes the Wilson score interval for a proportion of
// threshold violations, for the "X exceeds T" pattern.
func WilsonScore(successes, total int, confidence float64) Result {
	if total == 0 {
		return Result{Conclusion: "no samples collected"}
	}
	n := float64(total)
	p := float64(successes) / n
	z := zForConfidence(confidence)
	z2 := z * z

	denom := 1 + z2/n
	center := p + z2/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n))

	ciLow := (center - margin) / denom
	ciHigh := (center + margin) / denom

	supported := ciLow > 0
	return Result{
		HypothesisSupported: &supported,
		Confidence:          confidence,
		EffectSize:          p,
		CILow:               ciLow,
		CIHigh:              ciHigh,
		Conclusion:          conclusionFor(supported, "threshold violation rate"),
	}
}

func conclusionFor(supported bool, kind string) string {
	if supported {
		return "hypothesis supported by the " + kind + " test"
	}
	return "hypothesis not supported by the " + kind + " test"
}

func meanVariance(xs []float64) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	variance = sq / float64(len(xs)-1)
	return mean, variance
}

// normalCDF computes the standard normal CDF from math.Erf (stdlib math
// has no normal-CDF primitive).
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// zForConfidence returns the two-tailed z critical value for common
// confidence levels, falling back to the 95% value otherwise.
func zForConfidence(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.576
	case confidence >= 0.95:
		return 1.96
	case confidence >= 0.90:
		return 1.645
	default:
		return 1.96
	}
}
