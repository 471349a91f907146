// Package schema validates the action wire format against an embedded CUE
// schema before actions reach the domain.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/lockstep/internal/protocol"
)

//go:embed kanban.cue
var kanbanSchema string

// Definition paths inside the schema.
const (
	DefAction      = "#Action"
	DefMultiAction = "#MultiAction"
	DefPlace       = "#Place"
)

// Validator checks JSON documents against the schema definitions.
// A cue.Context is not safe for concurrent use, so calls are serialized.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// New compiles the embedded schema.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(kanbanSchema, cue.Filename("kanban.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{ctx: ctx, schema: v}, nil
}

// MustNew is like New but panics on error. The schema is embedded, so an
// error here is a build defect.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateAction checks a single-board action.
func (v *Validator) ValidateAction(action protocol.Action) error {
	return v.Validate(DefAction, action)
}

// ValidateMultiAction checks a multi-board action.
func (v *Validator) ValidateMultiAction(action protocol.Action) error {
	return v.Validate(DefMultiAction, action)
}

// Validate unifies data with the named definition and requires the result
// to be concrete. Failures are DOMAIN_INVALID.
func (v *Validator) Validate(def string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	d := v.schema.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return fmt.Errorf("schema has no definition %s", def)
	}

	doc := v.ctx.CompileBytes(data, cue.Filename("action.json"))
	if err := doc.Err(); err != nil {
		return protocol.Errorf(protocol.CodeDomainInvalid, "malformed JSON: %s", firstError(err))
	}

	if err := d.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return protocol.Errorf(protocol.CodeDomainInvalid, "does not match %s: %s", def, firstError(err))
	}
	return nil
}

// firstError keeps the message short; disjunction failures list every
// branch otherwise.
func firstError(err error) string {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}
