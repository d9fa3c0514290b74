package helper_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/helper/helpertest"
)

func TestClientSetsRequestIDAndDecodes(t *testing.T) {
	tr := helpertest.New().On(helper.SubjectGetUser, map[string]any{
		"aegis_user": map[string]any{"uid": "u1", "smart_address": "0xabc"},
	})
	c := helper.NewClient(tr, zaptest.NewLogger(t))

	resp, err := c.GetUser(context.Background(), helper.GetUserRequest{UID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", resp.AegisUser.SmartAddress)

	calls := tr.Calls(helper.SubjectGetUser)
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].Body["req_id"])
	assert.Equal(t, "u1", calls[0].Body["uid"])
}

func TestClientSurfacesRemoteError(t *testing.T) {
	tr := helpertest.New().On(helper.SubjectWithdraw, map[string]any{"error": "insufficient balance"})
	c := helper.NewClient(tr, zaptest.NewLogger(t))

	_, err := c.Withdraw(context.Background(), helper.WithdrawRequest{UID: "u1"})
	require.Error(t, err)
	var rerr *helper.RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "insufficient balance", err.Error())
}

func TestClientTimesOut(t *testing.T) {
	tr := helpertest.New()
	tr.Blocking = true
	c := helper.NewClient(tr, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetUserAssets(ctx, helper.GetUserAssetsRequest{UID: "u1"})
	assert.ErrorIs(t, err, helper.ErrTimeout)
}

func TestClientConfiguredTimeout(t *testing.T) {
	tr := helpertest.New()
	tr.Blocking = true
	c := helper.NewClient(tr, zaptest.NewLogger(t)).WithTimeouts(helper.Timeouts{Chart: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.GetGlobalInfo(context.Background(), helper.GetGlobalInfoRequest{})
	assert.ErrorIs(t, err, helper.ErrTimeout)
	assert.Less(t, time.Since(start), helper.ChartTimeout)
}
