package service

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lims-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-lims-workflow/internal/repository"
)

const seedYAML = `
flows:
  - code: quotation_approval
    name: Quotation approval
    bizType: quotation
    nodes:
      - step: 1
        kind: department
        target: sales
      - step: 2
        kind: role
        target: finance
  - code: contract_approval
    bizType: contract
    enabled: false
    nodes:
      - step: 1
        kind: user
        target: u-legal
        targetName: Lee
        resultLabel: pending_legal
`

func TestFlowSaveValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		mut   func(r *SaveFlowRequest)
		field string
	}{
		{"missing code", func(r *SaveFlowRequest) { r.Code = " " }, "code"},
		{"missing biz type", func(r *SaveFlowRequest) { r.BizType = "" }, "bizType"},
		{"no nodes", func(r *SaveFlowRequest) { r.Nodes = nil }, "nodes"},
		{"gapped steps", func(r *SaveFlowRequest) { r.Nodes[2].Step = 5 }, "nodes"},
		{"unknown kind", func(r *SaveFlowRequest) { r.Nodes[0].Kind = "team" }, "nodes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := quotationFlowRequest()
			tt.mut(&req)
			_, err := env.flows.Save(ctx, req)
			var appErr *errors.AppError
			require.True(t, stderrors.As(err, &appErr))
			assert.Equal(t, errors.ErrCodeInvalidInput, appErr.Code)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}

	_, err := env.flows.Get(ctx, "quotation_approval")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err), "rejected saves must not persist")
}

func TestFlowSaveBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.flows.Save(ctx, quotationFlowRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Len(t, first.Nodes, 3)

	req := quotationFlowRequest()
	req.Name = ""
	req.Nodes = req.Nodes[:2]
	second, err := env.flows.Save(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, "quotation_approval", second.Name, "name defaults to the code")
	assert.Len(t, second.Nodes, 2)
}

func TestFlowSetEnabledAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedQuotationFlow(t)

	require.NoError(t, env.flows.SetEnabled(ctx, "quotation_approval", false))

	all, err := env.flows.List(ctx, "quotation", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Enabled)

	enabled, err := env.flows.List(ctx, "quotation", true)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	err = env.flows.SetEnabled(ctx, "nope", true)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestFlowLoadSeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.flows.LoadSeed(ctx, []byte(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	quotation, err := env.flows.Get(ctx, "quotation_approval")
	require.NoError(t, err)
	assert.True(t, quotation.Enabled, "flows default to enabled")
	assert.Equal(t, repository.NodeKindDepartment, quotation.Nodes[0].Kind)

	contract, err := env.flows.Get(ctx, "contract_approval")
	require.NoError(t, err)
	assert.False(t, contract.Enabled)
	assert.Equal(t, "pending_legal", contract.Nodes[0].ResultLabel)
	assert.Equal(t, "Lee", contract.Nodes[0].TargetName)

	// An unchanged seed does not bump versions on restart.
	_, err = env.flows.LoadSeed(ctx, []byte(seedYAML))
	require.NoError(t, err)
	again, err := env.flows.Get(ctx, "quotation_approval")
	require.NoError(t, err)
	assert.Equal(t, quotation.Version, again.Version)
}

func TestFlowLoadSeedErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.flows.LoadSeed(ctx, []byte("flows: [oops"))
	assert.Equal(t, errors.ErrCodeConfig, errors.CodeOf(err))

	bad := `
flows:
  - code: ok
    bizType: quotation
    nodes: [{step: 1, kind: role, target: finance}]
  - code: broken
    bizType: quotation
    nodes: []
`
	n, err := env.flows.LoadSeed(ctx, []byte(bad))
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = env.flows.LoadSeedFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFlowLoadSeedFile(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	n, err := env.flows.LoadSeedFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
