package channel

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

// AuthEnv is the expression environment of permission checks.
type AuthEnv struct {
	User    int64
	Anchor  int64
	Channel string
}

func (e AuthEnv) All() bool {
	return true
}

func (e AuthEnv) None() bool {
	return false
}

// Owner reports whether the user key equals the anchor, the common
// "users may only join their own anchor" policy.
func (e AuthEnv) Owner() bool {
	return e.User == e.Anchor
}

// InstanceEnv is the expression environment of visibility rules and
// subscription filters.
type InstanceEnv struct {
	Type    string
	ID      int64
	Op      string
	Deleted bool

	Record delta.Record
}

// NewInstanceEnv builds the environment for one record.
func NewInstanceEnv(rec delta.Record) InstanceEnv {
	id, _ := instance.ID(rec)
	return InstanceEnv{
		Type:    instance.Type(rec),
		ID:      id,
		Op:      instance.OperationOf(rec),
		Deleted: instance.IsDeleted(rec),
		Record:  rec,
	}
}

func (e InstanceEnv) All() bool {
	return true
}

func (e InstanceEnv) None() bool {
	return false
}

// Types reports whether the record's type is one of vals. No arguments
// match everything.
func (e InstanceEnv) Types(vals ...string) bool {
	if len(vals) == 0 {
		return true
	}
	for _, val := range vals {
		if val == e.Type {
			return true
		}
	}
	return false
}

// Ops reports whether the record's operation is one of vals.
func (e InstanceEnv) Ops(vals ...string) bool {
	if len(vals) == 0 {
		return true
	}
	for _, val := range vals {
		if val == e.Op {
			return true
		}
	}
	return false
}

// Has reports whether the record carries the given field.
func (e InstanceEnv) Has(field string) bool {
	_, ok := e.Record[field]
	return ok
}

// Field returns the record field's value, or nil.
func (e InstanceEnv) Field(name string) any {
	return e.Record[name]
}

// CompileFilter compiles a subscription filter over InstanceEnv.
func CompileFilter(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(InstanceEnv{}), expr.AsBool())
}

// EvalFilter runs a compiled filter against one record.
func EvalFilter(prog *vm.Program, rec delta.Record) (bool, error) {
	out, err := expr.Run(prog, NewInstanceEnv(rec))
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}
