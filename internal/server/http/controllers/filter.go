package controllers

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/ZYQFXY/xiapi/internal/events"
)

// celFilter wraps a compiled CEL program evaluated against pipeline events.
// When disabled, Eval always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("stage", cel.StringType),
		cel.Variable("ok", cel.BoolType),
		cel.Variable("shop_key", cel.StringType),
		cel.Variable("item_key", cel.StringType),
		cel.Variable("locale", cel.StringType),
		cel.Variable("trace_id", cel.StringType),
		cel.Variable("detail", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the compiled expression against one event. When disabled,
// returns true.
func (f celFilter) Eval(ev events.Event) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"stage":    ev.Stage,
		"ok":       ev.OK,
		"shop_key": ev.ShopKey,
		"item_key": ev.ItemKey,
		"locale":   ev.Locale,
		"trace_id": ev.TraceID,
		"detail":   ev.Detail,
		"ts_ms":    ev.TS.UnixMilli(),
		"now_ms":   time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
