// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"fmt"
	"strconv"
)

// Branch declares a remote branch action together with its compensation and
// the stable service keys both are addressable by. Declaring branches in an
// explicit table keeps the key-to-function mapping visible at the definition
// site and lets any process rebuild the same bindings after a restart.
type Branch struct {
	// ServiceKey is the resolver key of the forward action, conventionally
	// "<service>:<method>".
	ServiceKey string

	// CompensationKey is the resolver key of the compensation. Empty means
	// the branch has no compensation and undoing it is a no-op.
	CompensationKey string

	Action       BranchFn
	Compensation BranchFn
}

// SagaStep is one step of a SagaDefinition. Steps are immutable once the
// definition is built.
type SagaStep struct {
	key             string
	isLocal         bool
	action          BranchFn
	compensation    BranchFn
	serviceKey      string
	compensationKey string
}

// Key returns the step's identity key.
func (s *SagaStep) Key() string { return s.key }

// IsLocal reports whether the step runs in-process rather than against a
// remote service.
func (s *SagaStep) IsLocal() bool { return s.isLocal }

// Action returns the step's forward action.
func (s *SagaStep) Action() BranchFn { return s.action }

// Compensation returns the step's compensation, or nil when the step has
// none.
func (s *SagaStep) Compensation() BranchFn { return s.compensation }

// HasCompensation reports whether the step declared a compensation.
func (s *SagaStep) HasCompensation() bool { return s.compensation != nil }

// ServiceKey returns the resolver key of the forward action, empty for local
// steps.
func (s *SagaStep) ServiceKey() string { return s.serviceKey }

// CompensationKey returns the resolver key of the compensation, empty for
// local steps or steps without one.
func (s *SagaStep) CompensationKey() string { return s.compensationKey }

// SagaDefinition is the ordered, immutable step list of one saga type.
type SagaDefinition struct {
	name  string
	steps []*SagaStep
}

// Name returns the definition's name. Names identify stored sagas of this
// type across restarts, so they must stay stable between deployed versions.
func (d *SagaDefinition) Name() string { return d.name }

// Steps returns the steps in forward execution order.
func (d *SagaDefinition) Steps() []*SagaStep { return d.steps }

// KeyOfStep returns the identity key of the step at index i, falling back to
// the positional index for steps built without an explicit key.
func (d *SagaDefinition) KeyOfStep(i int) string {
	if i < 0 || i >= len(d.steps) {
		return strconv.Itoa(i)
	}
	if k := d.steps[i].key; k != "" {
		return k
	}
	return strconv.Itoa(i)
}

// StepKeys returns the identity keys of all steps in forward order.
func (d *SagaDefinition) StepKeys() []string {
	keys := make([]string, len(d.steps))
	for i := range d.steps {
		keys[i] = d.KeyOfStep(i)
	}
	return keys
}

// DefinitionBuilder assembles a SagaDefinition. Every step carries an
// explicit key: positional indexes are unstable when a definition's step
// order changes between deployed versions while older instances are still in
// flight, so the builder refuses empty keys.
//
//	def, err := saga.NewDefinitionBuilder("create_order", resolver).
//		Step("create_order").Remote(createOrderBranch).
//		Step("reserve_stock").Remote(reserveStockBranch).
//		Step("approve").Local(approve).
//		Build()
//
// Remote branches are bound into the resolver at Build, so building the
// definition is all a process needs to do to make the saga's compensations
// resolvable after a restart.
type DefinitionBuilder struct {
	name     string
	resolver SagaResolver
	steps    []*SagaStep
	errs     []error
}

// NewDefinitionBuilder starts a builder for a saga named name. The resolver
// receives the remote branch bindings at Build and may be nil when the
// definition has only local steps.
func NewDefinitionBuilder(name string, resolver SagaResolver) *DefinitionBuilder {
	return &DefinitionBuilder{name: name, resolver: resolver}
}

// Step appends a new step under the given identity key. The step has no
// action until Local or Remote is called.
func (b *DefinitionBuilder) Step(key string) *DefinitionBuilder {
	b.steps = append(b.steps, &SagaStep{key: key})
	return b
}

// Local sets the current step's forward action to an in-process function.
func (b *DefinitionBuilder) Local(action BranchFn) *DefinitionBuilder {
	if s := b.current("Local"); s != nil {
		s.isLocal = true
		s.action = action
	}
	return b
}

// Remote sets the current step's forward action and compensation from an
// explicit branch declaration.
func (b *DefinitionBuilder) Remote(branch Branch) *DefinitionBuilder {
	s := b.current("Remote")
	if s == nil {
		return b
	}
	if branch.ServiceKey == "" {
		b.errs = append(b.errs, fmt.Errorf("step %q: remote branch requires a service key", s.key))
	}
	if branch.Compensation != nil && branch.CompensationKey == "" {
		b.errs = append(b.errs, fmt.Errorf("step %q: compensation requires a compensation key", s.key))
	}
	s.action = branch.Action
	s.compensation = branch.Compensation
	s.serviceKey = branch.ServiceKey
	s.compensationKey = branch.CompensationKey
	return b
}

// WithCompensation sets the current step's compensation. For remote steps
// prefer declaring the compensation in the Branch so it gets a resolver key.
func (b *DefinitionBuilder) WithCompensation(fn BranchFn) *DefinitionBuilder {
	if s := b.current("WithCompensation"); s != nil {
		s.compensation = fn
	}
	return b
}

func (b *DefinitionBuilder) current(op string) *SagaStep {
	if len(b.steps) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%s called before Step", op))
		return nil
	}
	return b.steps[len(b.steps)-1]
}

// Build validates the definition, binds the remote branches into the
// resolver, and returns the immutable result.
func (b *DefinitionBuilder) Build() (*SagaDefinition, error) {
	if b.name == "" {
		b.errs = append(b.errs, fmt.Errorf("saga definition requires a name"))
	}
	seen := make(map[string]struct{}, len(b.steps))
	for i, s := range b.steps {
		if s.key == "" {
			b.errs = append(b.errs, fmt.Errorf("step %d: empty key", i))
			continue
		}
		if _, dup := seen[s.key]; dup {
			b.errs = append(b.errs, fmt.Errorf("step %d: duplicate key %q", i, s.key))
		}
		seen[s.key] = struct{}{}
		if s.action == nil {
			b.errs = append(b.errs, fmt.Errorf("step %q: no action", s.key))
		}
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("build saga definition %q: %w", b.name, b.errs[0])
	}
	if b.resolver != nil {
		for _, s := range b.steps {
			if s.serviceKey != "" && s.action != nil {
				if err := b.resolver.BindBranch(s.serviceKey, s.action); err != nil {
					return nil, fmt.Errorf("bind branch %q: %w", s.serviceKey, err)
				}
			}
			if s.compensationKey != "" && s.compensation != nil {
				if err := b.resolver.BindBranch(s.compensationKey, s.compensation); err != nil {
					return nil, fmt.Errorf("bind compensation %q: %w", s.compensationKey, err)
				}
			}
		}
	}
	return &SagaDefinition{name: b.name, steps: b.steps}, nil
}
