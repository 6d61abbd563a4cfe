package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/bus"
	"github.com/autopilot-sh/autopilot/internal/executor"
)

func TestAgentServesClickRequests(t *testing.T) {
	page := newFakePage(t, buttonPage)
	exec := newExecutor(t, page)
	b := bus.New(zaptest.NewLogger(t))
	agent := executor.NewAgent(exec, b, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Serve(ctx)
	}()

	env, err := b.Request(ctx, schemas.MsgAutomationClick, schemas.ClickRequest{
		ElementsToClick: []schemas.Step{
			{Description: "Save changes button", Selector: "#save-btn", TimeoutMs: 500},
			{Description: "Ghost", Selector: "#ghost", TimeoutMs: 100},
		},
	})
	require.NoError(t, err)

	var resp schemas.ClickResponse
	require.NoError(t, env.Decode(&resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent did not stop on context cancellation")
	}
}

func TestAgentServesDialogRequests(t *testing.T) {
	page := newFakePage(t, `<html><body><div role="dialog">Sure?</div></body></html>`)
	exec := newExecutor(t, page)
	b := bus.New(zaptest.NewLogger(t))
	agent := executor.NewAgent(exec, b, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Serve(ctx) }()

	env, err := b.Request(ctx, schemas.MsgVerifyDialog, schemas.DialogRequest{
		DialogInfo: schemas.Step{Description: "Confirmation dialog", Selector: `[role="dialog"]`, TimeoutMs: 500},
	})
	require.NoError(t, err)

	var resp schemas.DialogResponse
	require.NoError(t, env.Decode(&resp))
	assert.True(t, resp.Result.Success)
}

func TestAgentRejectsUnknownRequestType(t *testing.T) {
	page := newFakePage(t, buttonPage)
	exec := newExecutor(t, page)
	b := bus.New(zaptest.NewLogger(t))
	agent := executor.NewAgent(exec, b, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Serve(ctx) }()

	env, err := b.Request(ctx, schemas.MsgTogglePolling, schemas.ToggleRequest{Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, schemas.MsgAutomationFailed, env.Type)
}
