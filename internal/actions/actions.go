// Package actions handles confirmations posted back from conversation cards
// and direct UI requests.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/tools"
)

// ErrNotImplemented is returned for actions the service cannot perform yet.
var ErrNotImplemented = errors.New("actions: not implemented")

const usdcDecimals = 6

// Handler executes user actions against the helper service.
type Handler struct {
	svc    helper.Service
	logger *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(svc helper.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Handle runs the action and returns the acknowledgment to record. Business
// failures are reported in the acknowledgment; only unsupported actions
// return an error.
func (h *Handler) Handle(ctx context.Context, userID string, a *state.UserAction) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	h.logger.Info("Handling user action",
		zap.String("user_id", userID),
		zap.String("type", string(a.Type)))

	switch a.Type {
	case state.ActionChangeStrategy:
		return h.changeStrategy(ctx, userID, a), nil
	case state.ActionDeposit:
		return deposit(a), nil
	case state.ActionWithdraw:
		return h.withdraw(ctx, userID, a), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotImplemented, a.Type)
	}
}

func (h *Handler) changeStrategy(ctx context.Context, userID string, a *state.UserAction) string {
	code := a.Arg(0)
	prefix := "[User Action] The user has confirmed to change the strategy to " + tools.StrategyName(code)

	fail := func(err error) string {
		h.logger.Warn("Strategy change failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Sprintf("%s but failed.\n Error:%v.", prefix, err)
	}

	assets, err := h.svc.GetUserAssets(ctx, helper.GetUserAssetsRequest{UID: userID, ForceUpdate: true})
	if err != nil {
		return fail(err)
	}
	value, err := tools.SmartAccountValue(assets.Portfolio)
	if err != nil {
		return fail(err)
	}
	if value <= tools.StrategyThresholdUSD {
		return fmt.Sprintf("%s but failed. Because the assets in the smart account are less than or equal to the threshold of $1.00. "+
			"The current assets of smart account are $%s.", prefix, assets.Portfolio.SmartAddressTotalValueUSD)
	}

	immediately, _ := strconv.ParseBool(a.Arg(1))
	if _, err := h.svc.UpdateUserStrategy(ctx, helper.UpdateUserStrategyRequest{
		UID:                   userID,
		Strategy:              code,
		ImmediatelyScheduling: immediately,
		Signature:             a.Arg(2),
	}); err != nil {
		return fail(err)
	}
	return prefix + "."
}

func deposit(a *state.UserAction) string {
	amount, chainID, hash := a.Arg(0), a.Arg(2), a.Arg(3)
	return fmt.Sprintf("[User Action] The user has deposited %s USDC on BASE (Chain ID: %s). "+
		"The transaction hash is %s.", amount, chainID, txLink(hash))
}

func (h *Handler) withdraw(ctx context.Context, userID string, a *state.UserAction) string {
	chainID, token, amount, nonce, sig := a.Arg(0), a.Arg(1), a.Arg(2), a.Arg(3), a.Arg(4)
	requested := usdc(amount)

	resp, err := h.svc.Withdraw(ctx, helper.WithdrawRequest{
		ChainID:      chainID,
		UID:          userID,
		TokenAddress: token,
		TokenAmount:  amount,
		Nonce:        nonce,
		Signature:    sig,
	})
	if err != nil {
		h.logger.Warn("Withdraw failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Sprintf("[User Action] The user just requested to withdraw %s USDC on BASE (Chain ID: %s) but failed. Error:%v.",
			requested, chainID, err)
	}
	actual := resp.ActualWithdrawAmount
	if actual == "" {
		actual = "0"
	}
	return fmt.Sprintf("[User Action] The user just requested to withdraw %s USDC on BASE (Chain ID: %s). "+
		"And then actual %s USDC has withdrawn. The transaction hash is %s.",
		requested, chainID, usdc(actual), txLink(resp.TransactionHash))
}

// DirectCard returns the empty conversation card a direct request opens.
func DirectCard(r *state.DirectRequest) (state.Card, error) {
	if err := r.Validate(); err != nil {
		return state.Card{}, err
	}
	return state.Card{Type: state.CardType(r.Type), Args: []any{}}, nil
}

func usdc(amount string) string {
	s, err := tools.FormatUnits(amount, usdcDecimals)
	if err != nil {
		return amount
	}
	return s
}

func txLink(hash string) string {
	return fmt.Sprintf("[%s](https://basescan.org/tx/%s)", hash, hash)
}
