package events

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate over events. Available variables:
//
//	event_type, stage, message   string
//	metadata                     map(string, dyn)
//	seq, created_at_ms, now_ms   int
//
// A nil *Filter matches every event.
type Filter struct {
	expr string
	prog cel.Program
}

// CompileFilter parses and type-checks expr. An empty expression yields a
// nil filter.
func CompileFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("stage", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("seq", cel.IntType),
		cel.Variable("created_at_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against ev. Evaluation errors and non-boolean
// results do not match.
func (f *Filter) Match(ev Event, nowMs int64) bool {
	if f == nil {
		return true
	}
	md := ev.Metadata
	if md == nil {
		md = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"event_type":    string(ev.Type),
		"stage":         ev.Stage,
		"message":       ev.Message,
		"metadata":      md,
		"seq":           int64(ev.Seq),
		"created_at_ms": ev.CreatedAt.UnixMilli(),
		"now_ms":        nowMs,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
