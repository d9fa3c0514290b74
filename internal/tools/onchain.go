package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
 {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidTxHash  = errors.New("invalid transaction hash")

	txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// ChainReader is the subset of ethclient used by the on-chain tools.
type ChainReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// DialChain connects to an EVM JSON-RPC endpoint.
func DialChain(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("chain rpc url must not be empty")
	}
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return c, nil
}

// OnChain builds the read-only chain tools of OnChainDataWorker.
type OnChain struct {
	chain   ChainReader
	network string
	erc20   abi.ABI
}

// NewOnChain returns the on-chain tool factory for network.
func NewOnChain(chain ChainReader, network string) (*OnChain, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if network == "" {
		network = "BASE"
	}
	return &OnChain{chain: chain, network: network, erc20: parsed}, nil
}

// Tools returns every on-chain tool.
func (o *OnChain) Tools() []Tool {
	return []Tool{
		o.GetNativeBalance(),
		o.GetTokenBalance(),
		o.GetTransaction(),
		o.GetLatestBlock(),
		o.GetContractCodeSize(),
	}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

func addressSchema(props ...string) map[string]any {
	properties := map[string]any{}
	for _, p := range props {
		properties[p] = map[string]any{"type": "string", "description": fmt.Sprintf("0x prefixed %s address.", p)}
	}
	return map[string]any{"type": "object", "properties": properties, "required": props}
}

func (o *OnChain) GetNativeBalance() Tool {
	return Tool{
		Name:          "get_native_balance",
		Description:   "Get the native coin balance of an address.",
		Schema:        addressSchema("address"),
		FailurePrefix: "Get Native Balance Failed.",
		Invoke: func(ctx context.Context, _ Env, args json.RawMessage) (string, error) {
			var in struct {
				Address string `json:"address"`
			}
			if err := decode(args, &in); err != nil {
				return "", err
			}
			addr, err := parseAddress(in.Address)
			if err != nil {
				return "", err
			}
			wei, err := o.chain.BalanceAt(ctx, addr, nil)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Native balance of %s on %s: %s ETH (%s wei).",
				addr.Hex(), o.network, formatBalance(wei.String(), 18), wei.String()), nil
		},
	}
}

func (o *OnChain) call(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	data, err := o.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := o.chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := o.erc20.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

func (o *OnChain) GetTokenBalance() Tool {
	return Tool{
		Name:          "get_token_balance",
		Description:   "Get the ERC20 token balance of an address.",
		Schema:        addressSchema("address", "token"),
		FailurePrefix: "Get Token Balance Failed.",
		Invoke: func(ctx context.Context, _ Env, args json.RawMessage) (string, error) {
			var in struct {
				Address string `json:"address"`
				Token   string `json:"token"`
			}
			if err := decode(args, &in); err != nil {
				return "", err
			}
			owner, err := parseAddress(in.Address)
			if err != nil {
				return "", err
			}
			token, err := parseAddress(in.Token)
			if err != nil {
				return "", err
			}
			bal, err := o.call(ctx, token, "balanceOf", owner)
			if err != nil {
				return "", err
			}
			amount, ok := bal[0].(*big.Int)
			if !ok {
				return "", fmt.Errorf("unexpected balanceOf result %T", bal[0])
			}
			decimals := 18
			if d, err := o.call(ctx, token, "decimals"); err == nil {
				if v, ok := d[0].(uint8); ok {
					decimals = int(v)
				}
			}
			symbol := "tokens"
			if s, err := o.call(ctx, token, "symbol"); err == nil {
				if v, ok := s[0].(string); ok && v != "" {
					symbol = v
				}
			}
			return fmt.Sprintf("Token balance of %s for %s on %s: %s %s (raw %s, decimals %d).",
				owner.Hex(), token.Hex(), o.network, formatBalance(amount.String(), decimals), symbol, amount.String(), decimals), nil
		},
	}
}

func (o *OnChain) GetTransaction() Tool {
	return Tool{
		Name:        "get_transaction",
		Description: "Get a transaction and its receipt status by hash.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"hash": map[string]any{"type": "string", "description": "0x prefixed transaction hash."},
			},
			"required": []string{"hash"},
		},
		FailurePrefix: "Get Transaction Failed.",
		Invoke: func(ctx context.Context, _ Env, args json.RawMessage) (string, error) {
			var in struct {
				Hash string `json:"hash"`
			}
			if err := decode(args, &in); err != nil {
				return "", err
			}
			if !txHashPattern.MatchString(in.Hash) {
				return "", fmt.Errorf("%w: %q", ErrInvalidTxHash, in.Hash)
			}
			hash := common.HexToHash(in.Hash)
			tx, pending, err := o.chain.TransactionByHash(ctx, hash)
			if err != nil {
				return "", err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Transaction %s on %s:\n", hash.Hex(), o.network)
			if to := tx.To(); to != nil {
				fmt.Fprintf(&b, "- to: %s\n", to.Hex())
			} else {
				b.WriteString("- to: (contract creation)\n")
			}
			if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
				fmt.Fprintf(&b, "- from: %s\n", from.Hex())
			}
			fmt.Fprintf(&b, "- value: %s ETH\n", formatBalance(tx.Value().String(), 18))
			fmt.Fprintf(&b, "- nonce: %d\n", tx.Nonce())
			fmt.Fprintf(&b, "- gas limit: %d\n", tx.Gas())
			if pending {
				b.WriteString("- status: pending")
				return b.String(), nil
			}
			receipt, err := o.chain.TransactionReceipt(ctx, hash)
			if err != nil {
				fmt.Fprintf(&b, "- status: unknown (%v)", err)
				return b.String(), nil
			}
			status := "failed"
			if receipt.Status == types.ReceiptStatusSuccessful {
				status = "success"
			}
			fmt.Fprintf(&b, "- status: %s\n", status)
			if receipt.BlockNumber != nil {
				fmt.Fprintf(&b, "- block: %s\n", receipt.BlockNumber.String())
			}
			fmt.Fprintf(&b, "- gas used: %d", receipt.GasUsed)
			return b.String(), nil
		},
	}
}

func (o *OnChain) GetLatestBlock() Tool {
	return Tool{
		Name:          "get_latest_block",
		Description:   "Get the latest block number of the chain.",
		Schema:        emptySchema(),
		FailurePrefix: "Get Latest Block Failed.",
		Invoke: func(ctx context.Context, _ Env, _ json.RawMessage) (string, error) {
			n, err := o.chain.BlockNumber(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Latest block on %s: %d.", o.network, n), nil
		},
	}
}

func (o *OnChain) GetContractCodeSize() Tool {
	return Tool{
		Name:          "get_contract_code_size",
		Description:   "Get the deployed bytecode size of an address to tell contracts from wallets.",
		Schema:        addressSchema("address"),
		FailurePrefix: "Get Contract Code Size Failed.",
		Invoke: func(ctx context.Context, _ Env, args json.RawMessage) (string, error) {
			var in struct {
				Address string `json:"address"`
			}
			if err := decode(args, &in); err != nil {
				return "", err
			}
			addr, err := parseAddress(in.Address)
			if err != nil {
				return "", err
			}
			code, err := o.chain.CodeAt(ctx, addr, nil)
			if err != nil {
				return "", err
			}
			kind := "a contract"
			if len(code) == 0 {
				kind = "an externally owned account"
			}
			return fmt.Sprintf("Code size of %s on %s: %d bytes (%s).", addr.Hex(), o.network, len(code), kind), nil
		},
	}
}
