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
	"sync"
)

// SimpleSagaResolver is an in-memory SagaResolver backed by a map. Bindings
// are usually made once at process start, either directly or through
// DefinitionBuilder.Build, and looked up by workers for the lifetime of the
// process.
type SimpleSagaResolver struct {
	mu       sync.RWMutex
	branches map[string]BranchFn
}

// NewSimpleSagaResolver creates an empty resolver.
func NewSimpleSagaResolver() *SimpleSagaResolver {
	return &SimpleSagaResolver{branches: make(map[string]BranchFn)}
}

// BindBranch registers fn under serviceKey. Binding the same key twice is an
// error because two processes disagreeing about what a key invokes would
// corrupt compensation replay.
func (r *SimpleSagaResolver) BindBranch(serviceKey string, fn BranchFn) error {
	if serviceKey == "" {
		return fmt.Errorf("bind branch: empty service key")
	}
	if fn == nil {
		return fmt.Errorf("bind branch %q: nil function", serviceKey)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.branches[serviceKey]; exists {
		return fmt.Errorf("bind branch %q: already bound", serviceKey)
	}
	r.branches[serviceKey] = fn
	return nil
}

// ResolveBranch returns the function bound to serviceKey.
func (r *SimpleSagaResolver) ResolveBranch(serviceKey string) (BranchFn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.branches[serviceKey]
	return fn, ok
}

// ServiceKey builds the canonical "<service>:<method>" key.
func (r *SimpleSagaResolver) ServiceKey(service, method string) string {
	return service + ":" + method
}
