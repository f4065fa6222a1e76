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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleSagaResolver(t *testing.T) {
	r := NewSimpleSagaResolver()
	assert.Equal(t, "orderService:createOrder", r.ServiceKey("orderService", "createOrder"))

	fn := func(_ context.Context, _ SagaData) error { return nil }
	require.NoError(t, r.BindBranch("orderService:createOrder", fn))

	got, ok := r.ResolveBranch("orderService:createOrder")
	assert.True(t, ok)
	assert.NotNil(t, got)

	_, ok = r.ResolveBranch("orderService:unknown")
	assert.False(t, ok)

	// Rebinding is refused; two owners for one key would corrupt replay.
	assert.Error(t, r.BindBranch("orderService:createOrder", fn))
	assert.Error(t, r.BindBranch("", fn))
	assert.Error(t, r.BindBranch("orderService:nilFn", nil))
}
