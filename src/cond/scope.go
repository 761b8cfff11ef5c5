package cond

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Root names understood by Scope.
const (
	RootMatrix = "matrix"
	RootEnv    = "env"
	RootRun    = "run"
	RootGit    = "git"
	RootRunner = "runner"
)

// Scope holds the variables visible to an expression.
//
// Matrix carries typed attribute values straight from the pipeline document.
// The other roots are flat string maps. Vars adds extra top-level string
// variables (the publisher exposes "target" this way).
type Scope struct {
	Matrix map[string]any
	Env    map[string]string
	Run    map[string]string
	Git    map[string]string
	Runner map[string]string
	Vars   map[string]string
}

// WithMatrix returns a copy of s whose matrix root is attrs.
func (s *Scope) WithMatrix(attrs map[string]any) *Scope {
	c := *s
	c.Matrix = attrs
	return &c
}

// WithEnv returns a copy of s whose env root is env.
func (s *Scope) WithEnv(env map[string]string) *Scope {
	c := *s
	c.Env = env
	return &c
}

// WithVar returns a copy of s with one extra top-level variable.
func (s *Scope) WithVar(name, value string) *Scope {
	c := *s
	c.Vars = make(map[string]string, len(s.Vars)+1)
	for k, v := range s.Vars {
		c.Vars[k] = v
	}
	c.Vars[name] = value
	return &c
}

func (s *Scope) defines(ref Ref) bool {
	if s == nil {
		return false
	}
	if _, ok := s.Vars[ref.Root]; ok {
		return ref.Attr == ""
	}
	switch ref.Root {
	case RootMatrix:
		if ref.Attr == "" {
			return true
		}
		_, ok := s.Matrix[ref.Attr]
		return ok
	case RootEnv:
		return hasKey(s.Env, ref.Attr)
	case RootRun:
		return hasKey(s.Run, ref.Attr)
	case RootGit:
		return hasKey(s.Git, ref.Attr)
	case RootRunner:
		return hasKey(s.Runner, ref.Attr)
	}
	return false
}

func hasKey(m map[string]string, attr string) bool {
	if attr == "" {
		return true
	}
	_, ok := m[attr]
	return ok
}

func (s *Scope) evalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{
		RootMatrix: objectVal(s.Matrix),
		RootEnv:    stringsVal(s.Env),
		RootRun:    stringsVal(s.Run),
		RootGit:    stringsVal(s.Git),
		RootRunner: stringsVal(s.Runner),
	}
	for k, v := range s.Vars {
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{Variables: vars, Functions: functions}
}

func stringsVal(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		attrs[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(attrs)
}

func objectVal(m map[string]any) cty.Value {
	if len(m) == 0 {
		return cty.EmptyObjectVal
	}
	attrs := make(map[string]cty.Value, len(m))
	for k, v := range m {
		attrs[k] = ToValue(v)
	}
	return cty.ObjectVal(attrs)
}

// ToValue converts a value decoded from YAML or TOML into a cty value.
// Numbers keep their integer or float nature; unknown types are rendered
// with fmt.
func ToValue(v any) cty.Value {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType)
	case cty.Value:
		return t
	case string:
		return cty.StringVal(t)
	case bool:
		return cty.BoolVal(t)
	case int:
		return cty.NumberIntVal(int64(t))
	case int8, int16, int32, int64:
		return cty.NumberIntVal(reflect.ValueOf(t).Int())
	case uint, uint8, uint16, uint32, uint64:
		u := reflect.ValueOf(t).Uint()
		if u > math.MaxInt64 {
			return cty.NumberUIntVal(u)
		}
		return cty.NumberIntVal(int64(u))
	case float32:
		return cty.NumberFloatVal(float64(t))
	case float64:
		return cty.NumberFloatVal(t)
	case time.Time:
		return cty.StringVal(t.Format(time.RFC3339))
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal
		}
		elems := make([]cty.Value, len(t))
		for i, e := range t {
			elems[i] = ToValue(e)
		}
		return cty.TupleVal(elems)
	case map[string]any:
		return objectVal(t)
	}
	return cty.StringVal(fmt.Sprint(v))
}

var functions = map[string]function.Function{
	"lower":      stdlib.LowerFunc,
	"upper":      stdlib.UpperFunc,
	"trimspace":  stdlib.TrimSpaceFunc,
	"length":     stdlib.LengthFunc,
	"startswith": affixFunc(func(s, affix string) bool { return len(s) >= len(affix) && s[:len(affix)] == affix }),
	"endswith":   affixFunc(func(s, affix string) bool { return len(s) >= len(affix) && s[len(s)-len(affix):] == affix }),
}

func affixFunc(match func(s, affix string) bool) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "str", Type: cty.String},
			{Name: "affix", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.BoolVal(match(args[0].AsString(), args[1].AsString())), nil
		},
	})
}
