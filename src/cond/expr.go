// Package cond compiles and evaluates the step predicates and string
// templates of a pipeline.
//
// Both use HCL native syntax. A predicate is a single expression such as
//
//	matrix.unit_tests && env.CI == "true"
//	matrix.host != "x86_64-w64-mingw32"
//
// and a template is an HCL string template such as
//
//	${runner.os}-depends-${matrix.host}-${run.timestamp}
//
// Every variable reference is collected at compile time so that a pipeline
// can be checked against each matrix record before anything runs.
package cond

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Ref is one variable reference found in an expression, e.g. matrix.host.
// Attr is empty when the whole root object is referenced.
type Ref struct {
	Root  string
	Attr  string
	Range hcl.Range
}

// String renders the reference the way it was written.
func (r Ref) String() string {
	if r.Attr == "" {
		return r.Root
	}
	return r.Root + "." + r.Attr
}

// Expr is a compiled predicate or template.
type Expr struct {
	src      string
	template bool
	expr     hclsyntax.Expression
	refs     []Ref
}

// Compile parses a boolean predicate. An empty source yields a nil Expr,
// which always evaluates to true.
func Compile(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(src), "if", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing condition %q: %s", src, diags.Error())
	}
	return newExpr(src, expr, false), nil
}

// CompileTemplate parses a string template. Text without ${...} sequences
// is returned unchanged on evaluation.
func CompileTemplate(src string) (*Expr, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing template %q: %s", src, diags.Error())
	}
	return newExpr(src, expr, true), nil
}

func newExpr(src string, expr hclsyntax.Expression, template bool) *Expr {
	e := &Expr{src: src, template: template, expr: expr}
	for _, t := range expr.Variables() {
		ref := Ref{Root: t.RootName(), Range: t.SourceRange()}
		if len(t) > 1 {
			switch step := t[1].(type) {
			case hcl.TraverseAttr:
				ref.Attr = step.Name
			case hcl.TraverseIndex:
				if step.Key.Type() == cty.String && step.Key.IsKnown() && !step.Key.IsNull() {
					ref.Attr = step.Key.AsString()
				}
			}
		}
		e.refs = append(e.refs, ref)
	}
	return e
}

// Source returns the text the expression was compiled from.
func (e *Expr) Source() string {
	if e == nil {
		return ""
	}
	return e.src
}

// Check reports every reference that the scope cannot resolve.
// The error lists all of them, sorted, so a single pass surfaces every
// mistake in a record.
func (e *Expr) Check(s *Scope) error {
	if e == nil {
		return nil
	}
	var missing []string
	seen := make(map[string]bool)
	for _, ref := range e.refs {
		if s.defines(ref) {
			continue
		}
		name := ref.String()
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &UndefinedError{Source: e.src, Names: missing}
}

// Bool evaluates a predicate. A nil Expr is true; a null result is false.
func (e *Expr) Bool(s *Scope) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := e.value(s)
	if err != nil {
		return false, err
	}
	if v.IsNull() {
		return false, nil
	}
	b, err := convert.Convert(v, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("condition %q: result is %s, not bool", e.src, v.Type().FriendlyName())
	}
	return b.True(), nil
}

// String evaluates the expression and converts the result to a string.
func (e *Expr) String(s *Scope) (string, error) {
	if e == nil {
		return "", nil
	}
	v, err := e.value(s)
	if err != nil {
		return "", err
	}
	if v.IsNull() {
		return "", nil
	}
	str, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("template %q: result is %s, not string", e.src, v.Type().FriendlyName())
	}
	return str.AsString(), nil
}

func (e *Expr) value(s *Scope) (cty.Value, error) {
	if err := e.Check(s); err != nil {
		return cty.NilVal, err
	}
	v, diags := e.expr.Value(s.evalContext())
	if diags.HasErrors() {
		return cty.NilVal, fmt.Errorf("evaluating %q: %s", e.src, diags.Error())
	}
	if !v.IsWhollyKnown() {
		return cty.NilVal, fmt.Errorf("evaluating %q: result is not known", e.src)
	}
	return v, nil
}

// Render compiles src as a template and evaluates it in one go.
func Render(src string, s *Scope) (string, error) {
	e, err := CompileTemplate(src)
	if err != nil {
		return "", err
	}
	return e.String(s)
}

// UndefinedError lists references that a scope could not resolve.
type UndefinedError struct {
	Source string
	Names  []string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("%q references undefined %s", e.Source, strings.Join(e.Names, ", "))
}
