// Package custody reads balances held by the on-chain custody contract that channel
// settlements land in.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var ErrNotConfigured = errors.New("custody contract or token address not configured")

const custodyABI = `[
	{"inputs":[{"name":"accounts","type":"address[]"},{"name":"tokens","type":"address[]"}],
	 "name":"getAccountsBalances","outputs":[{"name":"","type":"uint256[][]"}],"stateMutability":"view","type":"function"}
]`

const erc20ABI = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Caller is the read-only slice of an Ethereum client the reader needs.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader queries one custody contract for one token.
type Reader struct {
	caller   Caller
	custody  common.Address
	token    common.Address
	custABI  abi.ABI
	tokenABI abi.ABI
	closer   func()
}

func NewReader(caller Caller, custody, token common.Address) (*Reader, error) {
	if custody == (common.Address{}) || token == (common.Address{}) {
		return nil, ErrNotConfigured
	}
	c, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, err
	}
	t, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	return &Reader{caller: caller, custody: custody, token: token, custABI: c, tokenABI: t}, nil
}

// Dial connects to rpcURL. It returns ErrNotConfigured when either address is empty.
func Dial(ctx context.Context, rpcURL, custody, token string) (*Reader, error) {
	if !common.IsHexAddress(custody) || !common.IsHexAddress(token) {
		return nil, ErrNotConfigured
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", rpcURL, err)
	}
	r, err := NewReader(client, common.HexToAddress(custody), common.HexToAddress(token))
	if err != nil {
		client.Close()
		return nil, err
	}
	r.closer = client.Close
	return r, nil
}

func (r *Reader) Close() {
	if r != nil && r.closer != nil {
		r.closer()
	}
}

func (r *Reader) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return parsed.Unpack(method, out)
}

// Balance is account's token balance held in custody, in the token's base units.
func (r *Reader) Balance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	out, err := r.call(ctx, r.custody, r.custABI, "getAccountsBalances", []common.Address{account}, []common.Address{r.token})
	if err != nil {
		return decimal.Zero, err
	}
	balances, ok := out[0].([][]*big.Int)
	if !ok || len(balances) == 0 || len(balances[0]) == 0 {
		return decimal.Zero, fmt.Errorf("getAccountsBalances: unexpected result %v", out)
	}
	return decimal.NewFromBigInt(balances[0][0], 0), nil
}

// WalletBalance is account's token balance outside custody.
func (r *Reader) WalletBalance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	out, err := r.call(ctx, r.token, r.tokenABI, "balanceOf", account)
	if err != nil {
		return decimal.Zero, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("balanceOf: unexpected result %v", out)
	}
	return decimal.NewFromBigInt(bal, 0), nil
}
