package tools

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aegis-agents/chatbot/internal/helper"
	"github.com/aegis-agents/chatbot/internal/helper/helpertest"
	"github.com/aegis-agents/chatbot/internal/state"
)

type recordingSink struct {
	mu           sync.Mutex
	dashboard    []state.Card
	conversation []state.Card
}

func (s *recordingSink) DashboardCard(c state.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dashboard = append(s.dashboard, c)
}

func (s *recordingSink) ConversationCard(c state.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = append(s.conversation, c)
}

func newAutoFiRegistry(t *testing.T, tr *helpertest.Transport) *Registry {
	t.Helper()
	svc := helper.NewClient(tr, zaptest.NewLogger(t))
	all := append(NewAutoFi(svc).Tools(), NewAccount(svc).Tools()...)
	r, err := NewRegistry(zaptest.NewLogger(t), all...)
	require.NoError(t, err)
	return r
}

func TestRegistryRejectsInvalidArguments(t *testing.T) {
	tr := helpertest.New()
	r := newAutoFiRegistry(t, tr)

	text, err := r.Invoke(context.Background(), Env{UserID: "u1"}, "show_instrument_apy_chart", `{}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)
	assert.True(t, strings.HasPrefix(text, "Show instrument apy chart failed."), text)
	assert.Empty(t, tr.Calls(""))
}

func TestRegistryUnknownTool(t *testing.T) {
	r := newAutoFiRegistry(t, helpertest.New())
	text, err := r.Invoke(context.Background(), Env{}, "nope", "")
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Contains(t, text, "nope")
}

func TestShowAssetsEmitsDashboardCard(t *testing.T) {
	tr := helpertest.New().On(helper.SubjectGetUserAssets, map[string]any{
		"portfolio": map[string]any{
			"user_address": "0xuser",
			"user_address_portfolio": map[string]any{
				"usdc": map[string]any{"symbol": "USDC", "decimals": 6, "balance": "2500000", "value_usd": "2.5"},
			},
			"smart_address":                   "0xsmart",
			"smart_address_total_value_usd":   "2.5",
			"smart_address_position":          []any{},
			"smart_address_portfolio":         map[string]any{},
			"smart_address_position_value_usd": "0",
		},
	})
	r := newAutoFiRegistry(t, tr)
	sink := &recordingSink{}

	text, err := r.Invoke(context.Background(), Env{UserID: "u1", Cards: sink}, "show_assets", "{}")
	require.NoError(t, err)
	require.Len(t, sink.dashboard, 1)
	assert.Equal(t, state.CardShowAssets, sink.dashboard[0].Type)
	assert.Contains(t, text, "balance: 2.5")
	assert.Contains(t, text, "(The smart account of user currently has no assets)")
	assert.Contains(t, text, "(The user currently has no positions)")

	calls := tr.Calls(helper.SubjectGetUserAssets)
	require.Len(t, calls, 1)
	assert.Equal(t, true, calls[0].Body["force_update"])
}

func TestChangeStrategyBelowThreshold(t *testing.T) {
	tr := helpertest.New().On(helper.SubjectGetUserAssets, map[string]any{
		"portfolio": map[string]any{"smart_address_total_value_usd": "0.50"},
	})
	r := newAutoFiRegistry(t, tr)
	sink := &recordingSink{}

	text, err := r.Invoke(context.Background(), Env{UserID: "u1", Cards: sink}, "change_strategy", `{"newStrategy":"1"}`)
	require.NoError(t, err)
	assert.Contains(t, text, "$0.50")
	assert.Contains(t, text, "threshold")
	assert.Empty(t, sink.conversation)
	assert.Empty(t, tr.Calls(helper.SubjectGetUserStrategy))
}

func TestChangeStrategyEmitsConversationCard(t *testing.T) {
	tr := helpertest.New().
		On(helper.SubjectGetUserAssets, map[string]any{"portfolio": map[string]any{"smart_address_total_value_usd": "12"}}).
		On(helper.SubjectGetUserStrategy, map[string]any{"mandate": map[string]any{"current_strategy": "0", "next_strategy": "0"}})
	r := newAutoFiRegistry(t, tr)
	sink := &recordingSink{}

	_, err := r.Invoke(context.Background(), Env{UserID: "u1", Cards: sink}, "change_strategy", `{"newStrategy":"1"}`)
	require.NoError(t, err)
	require.Len(t, sink.conversation, 1)
	card := sink.conversation[0]
	assert.Equal(t, state.CardChangeStrategy, card.Type)
	require.Len(t, card.Args, 2)
	assert.Equal(t, "1", card.Args[1])
}

func TestChangeStrategyRejectsUnknownOption(t *testing.T) {
	r := newAutoFiRegistry(t, helpertest.New())
	_, err := r.Invoke(context.Background(), Env{UserID: "u1"}, "change_strategy", `{"newStrategy":"9"}`)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestDepositCardArgs(t *testing.T) {
	r := newAutoFiRegistry(t, helpertest.New())
	sink := &recordingSink{}

	text, err := r.Invoke(context.Background(), Env{Cards: sink}, "deposit", `{"amount":5,"name":"USDC"}`)
	require.NoError(t, err)
	require.Len(t, sink.conversation, 1)
	assert.Equal(t, []any{float64(5), "USDC"}, sink.conversation[0].Args)
	assert.Contains(t, text, "(The current selection is 'USDC')")
	assert.Contains(t, text, "(The current input amount is '5')")
}

func TestRoeChartSortsByTimestamp(t *testing.T) {
	tr := helpertest.New().
		On(helper.SubjectGetUserPositions, map[string]any{"positions": []any{
			map[string]any{"position_meta": map[string]any{"instrument_id": 7}},
			map[string]any{"position_meta": map[string]any{"instrument_id": 7}},
		}}).
		On(helper.SubjectGetUserPositionChartData, map[string]any{
			"position_meta":   map[string]any{"instrument_id": 7},
			"instrument_meta": map[string]any{"instrument_name": "Morpho USDC"},
			"verbose_time_position_data": map[string]any{
				"300": map[string]any{"roe_usd": "3"},
				"100": map[string]any{"roe_usd": "1"},
				"200": map[string]any{"roe_usd": "2"},
			},
		})
	r := newAutoFiRegistry(t, tr)

	text, err := r.Invoke(context.Background(), Env{UserID: "u1"}, "show_user_positions_roe_chart", "{}")
	require.NoError(t, err)
	assert.Len(t, tr.Calls(helper.SubjectGetUserPositionChartData), 1)
	assert.Contains(t, text, "head: (100, roe_usd=1), (200, roe_usd=2), (300, roe_usd=3)")
	assert.Contains(t, text, "name=Morpho USDC, points=3")
}

func TestHelperFailureBecomesFailureText(t *testing.T) {
	tr := helpertest.New().On(helper.SubjectGetUserStrategy, map[string]any{"error": "user not found"})
	r := newAutoFiRegistry(t, tr)

	text, err := r.Invoke(context.Background(), Env{UserID: "u1"}, "show_strategy", "{}")
	require.Error(t, err)
	assert.Equal(t, "Show Strategy Failed. user not found", text)
}

type fakeChain struct {
	balance *big.Int
	code    []byte
	call    func(msg ethereum.CallMsg) ([]byte, error)
	tx      *types.Transaction
	receipt *types.Receipt
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.call(msg)
}

func (f *fakeChain) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return f.tx, false, nil
}

func (f *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return f.receipt, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 123, nil }

const testAddr = "0x00000000000000000000000000000000000000aa"

func newOnChainRegistry(t *testing.T, chain ChainReader) *Registry {
	t.Helper()
	oc, err := NewOnChain(chain, "BASE")
	require.NoError(t, err)
	r, err := NewRegistry(zap.NewNop(), oc.Tools()...)
	require.NoError(t, err)
	return r
}

func TestNativeBalance(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	r := newOnChainRegistry(t, &fakeChain{balance: wei})

	text, err := r.Invoke(context.Background(), Env{}, "get_native_balance", `{"address":"`+testAddr+`"}`)
	require.NoError(t, err)
	assert.Contains(t, text, "1.5 ETH")
}

func TestNativeBalanceRejectsBadAddress(t *testing.T) {
	r := newOnChainRegistry(t, &fakeChain{})
	text, err := r.Invoke(context.Background(), Env{}, "get_native_balance", `{"address":"nope"}`)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.True(t, strings.HasPrefix(text, "Get Native Balance Failed."))
}

func TestTokenBalance(t *testing.T) {
	oc, err := NewOnChain(nil, "BASE")
	require.NoError(t, err)
	erc20 := oc.erc20

	chain := &fakeChain{call: func(msg ethereum.CallMsg) ([]byte, error) {
		method, err := erc20.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "balanceOf":
			return method.Outputs.Pack(big.NewInt(1234500))
		case "decimals":
			return method.Outputs.Pack(uint8(6))
		default:
			return method.Outputs.Pack("USDC")
		}
	}}
	r := newOnChainRegistry(t, chain)

	text, err := r.Invoke(context.Background(), Env{}, "get_token_balance",
		`{"address":"`+testAddr+`","token":"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"}`)
	require.NoError(t, err)
	assert.Contains(t, text, "1.2345 USDC")
}

func TestGetTransaction(t *testing.T) {
	to := common.HexToAddress(testAddr)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID: big.NewInt(8453),
		Nonce:   7,
		To:      &to,
		Value:   big.NewInt(0),
		Gas:     21000,
	})
	chain := &fakeChain{tx: tx, receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99), GasUsed: 21000}}
	r := newOnChainRegistry(t, chain)

	hash := "0x" + strings.Repeat("ab", 32)
	text, err := r.Invoke(context.Background(), Env{}, "get_transaction", `{"hash":"`+hash+`"}`)
	require.NoError(t, err)
	assert.Contains(t, text, "- status: success")
	assert.Contains(t, text, "- nonce: 7")
	assert.Contains(t, text, "- block: 99")

	_, err = r.Invoke(context.Background(), Env{}, "get_transaction", `{"hash":"0x12"}`)
	assert.ErrorIs(t, err, ErrInvalidTxHash)
}

func TestContractCodeSize(t *testing.T) {
	r := newOnChainRegistry(t, &fakeChain{code: []byte{0x60, 0x80}})
	text, err := r.Invoke(context.Background(), Env{}, "get_contract_code_size", `{"address":"`+testAddr+`"}`)
	require.NoError(t, err)
	assert.Contains(t, text, "2 bytes (a contract)")

	text, err = r.Invoke(context.Background(), Env{}, "get_latest_block", "")
	require.NoError(t, err)
	assert.Equal(t, "Latest block on BASE: 123.", text)
}
