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

func noopBranch(_ context.Context, _ SagaData) error { return nil }

func TestDefinitionBuilder_Build(t *testing.T) {
	resolver := NewSimpleSagaResolver()
	def, err := NewDefinitionBuilder("order", resolver).
		Step("create").Remote(Branch{
		ServiceKey:      "orderService:create",
		CompensationKey: "orderService:cancel",
		Action:          noopBranch,
		Compensation:    noopBranch,
	}).
		Step("approve").Local(noopBranch).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "order", def.Name())
	require.Len(t, def.Steps(), 2)
	assert.Equal(t, []string{"create", "approve"}, def.StepKeys())
	assert.False(t, def.Steps()[0].IsLocal())
	assert.True(t, def.Steps()[0].HasCompensation())
	assert.True(t, def.Steps()[1].IsLocal())
	assert.False(t, def.Steps()[1].HasCompensation())

	// Build wired the remote keys into the resolver.
	_, ok := resolver.ResolveBranch("orderService:create")
	assert.True(t, ok)
	_, ok = resolver.ResolveBranch("orderService:cancel")
	assert.True(t, ok)
}

func TestDefinitionBuilder_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*SagaDefinition, error)
	}{
		{
			name: "empty_step_key",
			build: func() (*SagaDefinition, error) {
				return NewDefinitionBuilder("d", nil).
					Step("").Local(noopBranch).
					Build()
			},
		},
		{
			name: "duplicate_step_key",
			build: func() (*SagaDefinition, error) {
				return NewDefinitionBuilder("d", nil).
					Step("a").Local(noopBranch).
					Step("a").Local(noopBranch).
					Build()
			},
		},
		{
			name: "step_without_action",
			build: func() (*SagaDefinition, error) {
				return NewDefinitionBuilder("d", nil).
					Step("a").
					Build()
			},
		},
		{
			name: "action_before_step",
			build: func() (*SagaDefinition, error) {
				return NewDefinitionBuilder("d", nil).
					Local(noopBranch).
					Build()
			},
		},
		{
			name: "remote_without_service_key",
			build: func() (*SagaDefinition, error) {
				return NewDefinitionBuilder("d", nil).
					Step("a").Remote(Branch{Action: noopBranch}).
					Build()
			},
		},
		{
			name: "compensation_without_key",
			build: func() (*SagaDefinition, error) {
				return NewDefinitionBuilder("d", nil).
					Step("a").Remote(Branch{
					ServiceKey:   "svc:do",
					Action:       noopBranch,
					Compensation: noopBranch,
				}).
					Build()
			},
		},
		{
			name: "missing_name",
			build: func() (*SagaDefinition, error) {
				return NewDefinitionBuilder("", nil).
					Step("a").Local(noopBranch).
					Build()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := tt.build()
			assert.Error(t, err)
			assert.Nil(t, def)
		})
	}
}

func TestSagaDefinition_KeyOfStep(t *testing.T) {
	def := &SagaDefinition{
		name: "mixed",
		steps: []*SagaStep{
			{key: "explicit", action: noopBranch},
			{action: noopBranch},
		},
	}
	assert.Equal(t, "explicit", def.KeyOfStep(0))
	// Positional fallback for definitions assembled without keys.
	assert.Equal(t, "1", def.KeyOfStep(1))
	assert.Equal(t, "5", def.KeyOfStep(5))
}
