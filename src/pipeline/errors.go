package pipeline

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ConfigError reports a pipeline that must not run: malformed document,
// cyclic needs, undefined attribute reference or unsatisfied engine
// requirement. It is always detected before any step executes.
type ConfigError struct {
	errs *multierror.Error
}

// Errorf builds a ConfigError holding a single problem.
func Errorf(format string, args ...any) *ConfigError {
	ce := &ConfigError{}
	ce.Add(fmt.Errorf(format, args...))
	return ce
}

// Add records another problem. Nested ConfigErrors are flattened.
func (e *ConfigError) Add(err error) {
	if err == nil {
		return
	}
	if nested, ok := err.(*ConfigError); ok {
		for _, inner := range nested.Problems() {
			e.errs = multierror.Append(e.errs, inner)
		}
		return
	}
	e.errs = multierror.Append(e.errs, err)
}

// Problems returns every recorded problem in the order found.
func (e *ConfigError) Problems() []error {
	if e == nil || e.errs == nil {
		return nil
	}
	return e.errs.Errors
}

// ErrorOrNil returns nil when nothing was recorded.
func (e *ConfigError) ErrorOrNil() error {
	if len(e.Problems()) == 0 {
		return nil
	}
	return e
}

func (e *ConfigError) Error() string {
	problems := e.Problems()
	if len(problems) == 1 {
		return "invalid pipeline: " + problems[0].Error()
	}
	lines := make([]string, len(problems))
	for i, p := range problems {
		lines[i] = "  - " + p.Error()
	}
	return fmt.Sprintf("invalid pipeline: %d problems:\n%s", len(problems), strings.Join(lines, "\n"))
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ConfigError) Unwrap() []error {
	return e.Problems()
}
