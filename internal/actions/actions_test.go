package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/helper/helpertest"
	"github.com/aegis-agents/chatbot/internal/state"
)

func newHandler(t *testing.T, tr *helpertest.Transport) *Handler {
	t.Helper()
	return NewHandler(helper.NewClient(tr, zaptest.NewLogger(t)), zaptest.NewLogger(t))
}

func assets(total string) map[string]any {
	return map[string]any{"portfolio": map[string]any{"uid": "u1", "smart_address_total_value_usd": total}}
}

func TestChangeStrategyBelowThreshold(t *testing.T) {
	tr := helpertest.New().
		On(helper.SubjectGetUserAssets, assets("0.50")).
		On(helper.SubjectUpdateUserStrategy, map[string]any{"changed": true})
	h := newHandler(t, tr)

	ack, err := h.Handle(context.Background(), "u1", &state.UserAction{
		Type: state.ActionChangeStrategy,
		Args: []any{"1", true, "0xsig"},
	})
	require.NoError(t, err)
	assert.Contains(t, ack, "change the strategy to conservative but failed")
	assert.Contains(t, ack, "threshold")
	assert.Contains(t, ack, "$0.50")
	assert.Empty(t, tr.Calls(helper.SubjectUpdateUserStrategy))

	calls := tr.Calls(helper.SubjectGetUserAssets)
	require.Len(t, calls, 1)
	assert.Equal(t, true, calls[0].Body["force_update"])
}

func TestChangeStrategySucceeds(t *testing.T) {
	tr := helpertest.New().
		On(helper.SubjectGetUserAssets, assets("120.5")).
		On(helper.SubjectUpdateUserStrategy, map[string]any{"changed": true})
	h := newHandler(t, tr)

	ack, err := h.Handle(context.Background(), "u1", &state.UserAction{
		Type: state.ActionChangeStrategy,
		Args: []any{float64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, "[User Action] The user has confirmed to change the strategy to aggressive.", ack)

	calls := tr.Calls(helper.SubjectUpdateUserStrategy)
	require.Len(t, calls, 1)
	assert.Equal(t, "3", calls[0].Body["strategy"])
	assert.Equal(t, "", calls[0].Body["signature"])
}

func TestChangeStrategyRemoteError(t *testing.T) {
	tr := helpertest.New().
		On(helper.SubjectGetUserAssets, assets("50")).
		On(helper.SubjectUpdateUserStrategy, map[string]any{"error": "signature rejected"})
	h := newHandler(t, tr)

	ack, err := h.Handle(context.Background(), "u1", &state.UserAction{Type: state.ActionChangeStrategy, Args: []any{"2"}})
	require.NoError(t, err)
	assert.Equal(t, "[User Action] The user has confirmed to change the strategy to balanced but failed.\n Error:signature rejected.", ack)
}

func TestDepositAcknowledges(t *testing.T) {
	tr := helpertest.New()
	h := newHandler(t, tr)

	ack, err := h.Handle(context.Background(), "u1", &state.UserAction{
		Type: state.ActionDeposit,
		Args: []any{"25", "USDC", float64(8453), "0xabc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[User Action] The user has deposited 25 USDC on BASE (Chain ID: 8453). "+
		"The transaction hash is [0xabc](https://basescan.org/tx/0xabc).", ack)
	assert.Empty(t, tr.Calls(""))
}

func TestWithdrawFormatsAmounts(t *testing.T) {
	tr := helpertest.New().On(helper.SubjectWithdraw, map[string]any{
		"transaction_hash":       "0xdef",
		"actual_withdraw_amount": "999500",
	})
	h := newHandler(t, tr)

	ack, err := h.Handle(context.Background(), "u1", &state.UserAction{
		Type: state.ActionWithdraw,
		Args: []any{float64(8453), "0xtoken", "1000000", float64(7), "0xsig"},
	})
	require.NoError(t, err)
	assert.Contains(t, ack, "withdraw 1.0 USDC on BASE (Chain ID: 8453)")
	assert.Contains(t, ack, "actual 0.9995 USDC has withdrawn")
	assert.Contains(t, ack, "[0xdef](https://basescan.org/tx/0xdef)")

	calls := tr.Calls(helper.SubjectWithdraw)
	require.Len(t, calls, 1)
	assert.Equal(t, "8453", calls[0].Body["chain_id"])
	assert.Equal(t, "7", calls[0].Body["nonce"])
}

func TestWithdrawFailure(t *testing.T) {
	tr := helpertest.New().On(helper.SubjectWithdraw, map[string]any{"error": "insufficient balance"})
	h := newHandler(t, tr)

	ack, err := h.Handle(context.Background(), "u1", &state.UserAction{
		Type: state.ActionWithdraw,
		Args: []any{"8453", "0xtoken", "2500000", "1", "0xsig"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[User Action] The user just requested to withdraw 2.5 USDC on BASE (Chain ID: 8453) but failed. Error:insufficient balance.", ack)
}

func TestChangeSmartAccountNotImplemented(t *testing.T) {
	h := newHandler(t, helpertest.New())
	_, err := h.Handle(context.Background(), "u1", &state.UserAction{Type: state.ActionChangeSmartAccount})
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestUnknownActionRejected(t *testing.T) {
	h := newHandler(t, helpertest.New())
	_, err := h.Handle(context.Background(), "u1", &state.UserAction{Type: "launch"})
	assert.ErrorIs(t, err, state.ErrUnknownActionType)
}

func TestDirectCard(t *testing.T) {
	card, err := DirectCard(&state.DirectRequest{Type: state.RequestWithdraw})
	require.NoError(t, err)
	assert.Equal(t, state.CardWithdraw, card.Type)
	assert.NotNil(t, card.Args)
	assert.Empty(t, card.Args)

	_, err = DirectCard(&state.DirectRequest{Type: "swap"})
	assert.ErrorIs(t, err, state.ErrUnknownRequestType)
}
