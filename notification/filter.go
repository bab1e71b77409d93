package notification

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Filter selects which service table entries a client wants pushed. Filters
// are registered with the gateway and re-registered verbatim during session
// synchronization after a reconnect.
type Filter struct {
	// FilterID is assigned by the client, monotonic per client.
	FilterID uint64
	// Name is the service name (or name prefix) to match.
	Name string
	// MatchNamePrefix widens Name to a URI prefix match.
	MatchNamePrefix bool
	// MatchPrimaryChangeOnly delivers an updated non-empty entry only when
	// its primary endpoint changed.
	MatchPrimaryChangeOnly bool
	// Expression optionally narrows matches with a CEL predicate over
	// {serviceName, primaryEndpoint, isEmpty}. Empty means no narrowing.
	Expression string

	compileOnce sync.Once
	program     cel.Program
	compileErr  error
}

// Matches reports whether the entry passes the filter's name (and optional
// CEL) predicate. Version/dedup rules are the accept path's business, not
// the filter's.
func (f *Filter) Matches(entry *ServiceTableEntry) bool {
	if f.MatchNamePrefix {
		if !matchUriPrefix(entry.ServiceName, f.Name) {
			return false
		}
	} else if entry.ServiceName != f.Name {
		return false
	}
	if f.Expression == "" {
		return true
	}
	ok, err := f.evaluate(entry)
	if err != nil {
		return false
	}
	return ok
}

// matchUriPrefix matches whole URI segments so that "fabric:/app" covers
// "fabric:/app/svc" but not "fabric:/application".
func matchUriPrefix(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	return len(name) == len(prefix) || name[len(prefix)] == '/'
}

func (f *Filter) evaluate(entry *ServiceTableEntry) (bool, error) {
	f.compileOnce.Do(func() {
		env, err := cel.NewEnv(
			cel.Variable("serviceName", cel.StringType),
			cel.Variable("primaryEndpoint", cel.StringType),
			cel.Variable("isEmpty", cel.BoolType),
		)
		if err != nil {
			f.compileErr = fmt.Errorf("error creating CEL environment: %v", err)
			return
		}
		ast, issues := env.Compile(f.Expression)
		if issues != nil && issues.Err() != nil {
			f.compileErr = fmt.Errorf("error compiling CEL expression: %v", issues.Err())
			return
		}
		f.program, f.compileErr = env.Program(ast)
	})
	if f.compileErr != nil {
		return false, f.compileErr
	}

	out, _, err := f.program.Eval(map[string]any{
		"serviceName":     entry.ServiceName,
		"primaryEndpoint": entry.PrimaryEndpoint(),
		"isEmpty":         entry.IsEmpty(),
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	b, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q did not yield a bool", f.Expression)
	}
	return b, nil
}
