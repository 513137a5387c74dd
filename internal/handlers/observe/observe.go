// Package observe implements the "observe" debug command (spec §4.6.1):
// a small query grammar compiled into a BRP query, optional diffing
// against the session's previous observation, and optional reflection
// (typed component schemas).
package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/brp/validate"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/errs"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
	floatEpsilon = 1e-6
)

// Op is a query comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

var validOps = map[string]Op{"=": OpEq, "!=": OpNeq, "<": OpLt, "<=": OpLte, ">": OpGt, ">=": OpGte}

// FieldFilter is one `where C.field OP literal` clause.
type FieldFilter struct {
	Component domain.ComponentTypeID
	Field     string
	Op        Op
	Literal   any
}

// Query is the structured filter compiled from the grammar:
// "entities [with C1 [and C2 ...]] [without C3] [where C.field OP literal] [limit N]"
type Query struct {
	With    []domain.ComponentTypeID
	Without []domain.ComponentTypeID
	Where   []FieldFilter
	Limit   int
}

// Input is the validated `observe` tool invocation.
type Input struct {
	Query      string `json:"query"`
	Diff       bool   `json:"diff"`
	Reflection bool   `json:"reflection"`
	Strict     bool   `json:"strict"`
	Limit      uint32 `json:"limit"`
	Format     string `json:"format"`
}

// ParseQuery compiles the natural-language-ish query string into a
// structured Query. On failure it returns an errs.CodeInvalidQuery error
// carrying up to 5 suggested valid forms.
func ParseQuery(raw string) (Query, error) {
	tokens := strings.Fields(raw)
	q := Query{Limit: DefaultLimit}

	if len(tokens) == 0 || tokens[0] != "entities" {
		return Query{}, invalidQueryError(raw)
	}

	i := 1
	for i < len(tokens) {
		switch tokens[i] {
		case "with":
			i++
			for i < len(tokens) && tokens[i] != "without" && tokens[i] != "where" && tokens[i] != "limit" {
				if tokens[i] != "and" {
					q.With = append(q.With, domain.ComponentTypeID(tokens[i]))
				}
				i++
			}
		case "without":
			i++
			for i < len(tokens) && tokens[i] != "with" && tokens[i] != "where" && tokens[i] != "limit" {
				if tokens[i] != "and" {
					q.Without = append(q.Without, domain.ComponentTypeID(tokens[i]))
				}
				i++
			}
		case "where":
			i++
			filter, consumed, err := parseFieldFilter(tokens[i:])
			if err != nil {
				return Query{}, invalidQueryError(raw)
			}
			q.Where = append(q.Where, filter)
			i += consumed
		case "limit":
			i++
			if i >= len(tokens) {
				return Query{}, invalidQueryError(raw)
			}
			n, err := strconv.Atoi(tokens[i])
			if err != nil || n < 0 || n > MaxLimit {
				return Query{}, invalidQueryError(raw)
			}
			q.Limit = n
			i++
		default:
			return Query{}, invalidQueryError(raw)
		}
	}

	return q, nil
}

func parseFieldFilter(tokens []string) (FieldFilter, int, error) {
	if len(tokens) < 3 {
		return FieldFilter{}, 0, fmt.Errorf("incomplete where clause")
	}
	dotted := tokens[0]
	parts := strings.SplitN(dotted, ".", 2)
	if len(parts) != 2 {
		return FieldFilter{}, 0, fmt.Errorf("where clause must be Component.field")
	}
	op, ok := validOps[tokens[1]]
	if !ok {
		return FieldFilter{}, 0, fmt.Errorf("unknown operator %q", tokens[1])
	}
	literal := parseLiteral(tokens[2])
	return FieldFilter{Component: domain.ComponentTypeID(parts[0]), Field: parts[1], Op: op, Literal: literal}, 3, nil
}

func parseLiteral(tok string) any {
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(tok); err == nil {
		return b
	}
	return strings.Trim(tok, `"`)
}

// suggestedForms are the canonical example queries offered as recovery
// suggestions when parsing fails.
var suggestedForms = []string{
	"entities with Transform limit 50",
	"entities with Health and Transform",
	"entities without Dead",
	"entities where Health.value < 10",
	"entities with Transform where Transform.x > 0 limit 20",
}

func invalidQueryError(raw string) error {
	return errs.New(errs.CodeInvalidQuery, fmt.Sprintf("could not parse query %q", raw)).
		WithSuggestions(suggestedForms...)
}

// DiffResult is the {added, removed, changed} shape spec §4.6.1 defines.
type DiffResult struct {
	Added   []domain.EntityRef `json:"added"`
	Removed []domain.EntityRef `json:"removed"`
	Changed []FieldChange       `json:"changed"`
}

type FieldChange struct {
	Entity    domain.EntityRef        `json:"entity"`
	Component domain.ComponentTypeID  `json:"component"`
	Before    any                     `json:"before"`
	After     any                     `json:"after"`
}

// Row is one entity's observed component snapshot.
type Row struct {
	Entity     domain.EntityRef
	Components map[domain.ComponentTypeID]map[string]any
}

// Diff compares two observation snapshots keyed by entity, applying an
// epsilon comparison for float fields and exact comparison otherwise.
func Diff(previous, current []Row) DiffResult {
	prevByEntity := make(map[uint64]Row, len(previous))
	for _, r := range previous {
		prevByEntity[r.Entity.Packed()] = r
	}
	currByEntity := make(map[uint64]Row, len(current))
	for _, r := range current {
		currByEntity[r.Entity.Packed()] = r
	}

	var result DiffResult
	for key, row := range currByEntity {
		if _, existed := prevByEntity[key]; !existed {
			result.Added = append(result.Added, row.Entity)
		}
	}
	for key, row := range prevByEntity {
		if _, exists := currByEntity[key]; !exists {
			result.Removed = append(result.Removed, row.Entity)
		}
	}
	for key, curr := range currByEntity {
		prev, existed := prevByEntity[key]
		if !existed {
			continue
		}
		result.Changed = append(result.Changed, diffComponents(curr, prev)...)
	}
	return result
}

func diffComponents(curr, prev Row) []FieldChange {
	var changes []FieldChange
	for comp, currFields := range curr.Components {
		prevFields, ok := prev.Components[comp]
		if !ok {
			continue
		}
		for field, currVal := range currFields {
			prevVal, ok := prevFields[field]
			if !ok || !fieldsEqual(prevVal, currVal) {
				changes = append(changes, FieldChange{Entity: curr.Entity, Component: comp, Before: prevVal, After: currVal})
			}
		}
	}
	return changes
}

func fieldsEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return math.Abs(af-bf) <= floatEpsilon
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// BRPCaller sends a BRP query request and returns decoded rows plus the
// pre-limit total count.
type BRPCaller func(ctx context.Context, q Query, strict bool, reflection bool) (rows []Row, totalCount int, err error)

// PreviousFetcher returns the session's previously stored observation for
// the given query fingerprint, if any.
type PreviousFetcher func(fingerprint domain.FingerPrint) ([]Row, bool)

// Result is the `observe` tool's structured response.
type Result struct {
	Entities   []Row        `json:"entities"`
	TotalCount int          `json:"total_count"`
	Diff       *DiffResult  `json:"diff,omitempty"`
}

// Handle runs the full observe pipeline: parse → validate bounds →
// query → optional diff.
func Handle(ctx context.Context, in Input, call BRPCaller, fetchPrevious PreviousFetcher, fingerprint domain.FingerPrint) (Result, error) {
	q, err := ParseQuery(in.Query)
	if err != nil {
		return Result{}, err
	}
	if in.Limit > 0 && in.Limit <= MaxLimit {
		q.Limit = int(in.Limit)
	}

	if err := validate.CheckQueryBounds(len(q.With) + len(q.Without) + len(q.Where)); err != nil {
		return Result{}, err
	}

	rows, total, err := call(ctx, q, in.Strict, in.Reflection)
	if err != nil {
		return Result{}, err
	}

	result := Result{Entities: rows, TotalCount: total}

	if in.Diff && fetchPrevious != nil {
		if previous, ok := fetchPrevious(fingerprint); ok {
			d := Diff(previous, rows)
			result.Diff = &d
		}
	}

	return result, nil
}

// MarshalParams is a convenience used by orchestrate pipelines to build
// this handler's params.
func MarshalParams(in Input) (json.RawMessage, error) {
	return json.Marshal(in)
}
