// Package query provides jq-based selection and projection over captured
// flow records.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/usestring/webreplay/pkg/flowrec"
)

// Filter is a compiled jq predicate evaluated against one flow record.
// A record matches when the first value the expression yields is neither
// false nor null.
type Filter struct {
	expr string
	code *gojq.Code
}

// Compile parses and compiles a jq predicate.
func Compile(expression string) (*Filter, error) {
	code, err := compile(expression)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expression, code: code}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the predicate against rec.
func (f *Filter) Match(rec *flowrec.FlowRecord) (bool, error) {
	input, err := toInput(rec)
	if err != nil {
		return false, err
	}

	iter := f.code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, errors.New(formatJQError(rec.URL, err))
	}
	switch val := v.(type) {
	case nil:
		return false, nil
	case bool:
		return val, nil
	default:
		return true, nil
	}
}

// Apply returns the records of w that match, in order, plus one message per
// record the expression failed on. Failing records are excluded.
func (f *Filter) Apply(w flowrec.Window) (flowrec.Window, []string) {
	out := make(flowrec.Window, 0, len(w))
	var errs []string
	for i := range w {
		ok, err := f.Match(&w[i])
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if ok {
			out = append(out, w[i])
		}
	}
	return out, errs
}

// Engine executes jq projections over window files.
type Engine struct{}

// NewEngine creates a new query engine.
func NewEngine() *Engine {
	return &Engine{}
}

// QueryResult contains the results of a jq projection.
type QueryResult struct {
	Values   []any    `json:"values"`           // Extracted values
	Errors   []string `json:"errors,omitempty"` // Per-record errors
	RawCount int      `json:"raw_count"`        // Count before the max cap
}

// Query runs expression once per record of w and collects the non-null values.
func (e *Engine) Query(w flowrec.Window, expression string, maxResults int) (*QueryResult, error) {
	code, err := compile(expression)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Values: make([]any, 0)}
	seenErrors := make(map[string]bool)

	for i := range w {
		input, err := toInput(&w[i])
		if err != nil {
			return nil, err
		}
		iter := code.Run(input)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				msg := formatJQError(w[i].URL, err)
				if !seenErrors[msg] {
					result.Errors = append(result.Errors, msg)
					seenErrors[msg] = true
				}
				continue
			}
			if v == nil {
				continue
			}
			result.RawCount++
			if maxResults <= 0 || len(result.Values) < maxResults {
				result.Values = append(result.Values, v)
			}
		}
	}

	return result, nil
}

// ValidateExpression checks if a jq expression is valid without executing it.
func ValidateExpression(expression string) error {
	_, err := compile(expression)
	return err
}

func compile(expression string) (*gojq.Code, error) {
	q, err := gojq.Parse(expression)
	if err != nil {
		var parseErr *gojq.ParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("invalid jq expression at position %d: %w", parseErr.Offset, err)
		}
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression: %w", err)
	}
	return code, nil
}

// toInput converts a record into the generic JSON value gojq operates on.
func toInput(rec *flowrec.FlowRecord) (any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return input, nil
}

// formatJQError creates a short error message for jq runtime errors.
func formatJQError(label string, err error) string {
	var haltErr *gojq.HaltError
	if errors.As(err, &haltErr) {
		if haltErr.Value() == nil {
			return fmt.Sprintf("%s: query halted", label)
		}
		return fmt.Sprintf("%s: query halted with: %v", label, haltErr.Value())
	}

	errStr := err.Error()
	var hint string
	switch {
	case strings.Contains(errStr, "cannot iterate over: null"):
		hint = " (the field may not exist in this record)"
	case strings.Contains(errStr, "cannot index") && strings.Contains(errStr, "with"):
		hint = " (field not found or wrong type)"
	}
	return fmt.Sprintf("%s: %s%s", label, errStr, hint)
}
