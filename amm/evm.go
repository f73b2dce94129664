package amm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/0x5487/hybrid-engine/protocol"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const routerABI = `[
{"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"getAmountsIn","type":"function","stateMutability":"view","inputs":[{"name":"amountOut","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapTokensForExactTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountOut","type":"uint256"},{"name":"amountInMax","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const pairABI = `[
{"name":"getReserves","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
{"name":"Swap","type":"event","anonymous":false,"inputs":[{"name":"sender","type":"address","indexed":true},{"name":"amount0In","type":"uint256","indexed":false},{"name":"amount1In","type":"uint256","indexed":false},{"name":"amount0Out","type":"uint256","indexed":false},{"name":"amount1Out","type":"uint256","indexed":false},{"name":"to","type":"address","indexed":true}]}
]`

const nativeDecimals = 18

// Client is the subset of *ethclient.Client the EVM venue uses.
type Client interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMPair maps an engine pair onto a Uniswap V2 pool.
type EVMPair struct {
	Pair          string
	PairAddress   common.Address
	BaseToken     common.Address
	QuoteToken    common.Address
	BaseDecimals  int32
	QuoteDecimals int32
}

// EVMConfig configures an EVMVenue.
type EVMConfig struct {
	Router       common.Address
	Pairs        []EVMPair
	SwapGasLimit uint64        // default 200000
	Deadline     time.Duration // swap deadline from submission, default 2m
	PollInterval time.Duration // receipt polling, default 1s
}

// EVMOption configures an EVMVenue.
type EVMOption func(*EVMVenue)

// WithRateLimit bounds RPC calls per second.
func WithRateLimit(rps float64, burst int) EVMOption {
	return func(v *EVMVenue) {
		v.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSigner sets the key that signs swap transactions. Without it the venue is quote-only.
func WithSigner(key *ecdsa.PrivateKey) EVMOption {
	return func(v *EVMVenue) {
		v.key = key
		v.from = crypto.PubkeyToAddress(key.PublicKey)
	}
}

// WithLogger sets the venue logger.
func WithLogger(l *slog.Logger) EVMOption {
	return func(v *EVMVenue) {
		v.logger = l
	}
}

// EVMVenue quotes and swaps through a Uniswap V2 router.
// The signer must have approved the router for the tokens it sells.
type EVMVenue struct {
	client  Client
	config  EVMConfig
	pairs   map[string]EVMPair
	router  abi.ABI
	pool    abi.ABI
	limiter *rate.Limiter
	key     *ecdsa.PrivateKey
	from    common.Address
	logger  *slog.Logger
	now     func() time.Time

	nonceMu sync.Mutex
}

// NewEVMVenue creates a venue over an existing client.
func NewEVMVenue(client Client, config EVMConfig, opts ...EVMOption) (*EVMVenue, error) {
	routerABIParsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, err
	}
	pairABIParsed, err := abi.JSON(strings.NewReader(pairABI))
	if err != nil {
		return nil, err
	}

	if config.SwapGasLimit == 0 {
		config.SwapGasLimit = 200_000
	}
	if config.Deadline <= 0 {
		config.Deadline = 2 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	v := &EVMVenue{
		client:  client,
		config:  config,
		pairs:   make(map[string]EVMPair, len(config.Pairs)),
		router:  routerABIParsed,
		pool:    pairABIParsed,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, p := range config.Pairs {
		v.pairs[p.Pair] = p
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// DialEVMVenue connects to rpcURL. hexKey may be empty for a quote-only venue.
func DialEVMVenue(rpcURL string, hexKey string, config EVMConfig, opts ...EVMOption) (*EVMVenue, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	if hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("amm: invalid signer key: %w", err)
		}
		opts = append(opts, WithSigner(key))
	}
	return NewEVMVenue(client, config, opts...)
}

// GetQuote implements Venue.
func (v *EVMVenue) GetQuote(ctx context.Context, pair string, side protocol.Side, amount decimal.Decimal) (*Quote, error) {
	if err := validate(side, amount); err != nil {
		return nil, err
	}
	p, ok := v.pairs[pair]
	if !ok {
		return nil, ErrUnknownPair
	}

	q := &Quote{Pair: pair, Side: side, Amount: amount}
	baseUnits := toUnits(amount, p.BaseDecimals)

	switch side {
	case protocol.SideSell:
		amounts, err := v.callAmounts(ctx, "getAmountsOut", baseUnits, []common.Address{p.BaseToken, p.QuoteToken})
		if err != nil {
			return nil, err
		}
		q.ExpectedOut = fromUnits(amounts[len(amounts)-1], p.QuoteDecimals)
	case protocol.SideBuy:
		amounts, err := v.callAmounts(ctx, "getAmountsIn", baseUnits, []common.Address{p.QuoteToken, p.BaseToken})
		if err != nil {
			return nil, err
		}
		q.ExpectedIn = fromUnits(amounts[0], p.QuoteDecimals)
	}

	spot, err := v.spotPrice(ctx, p)
	if err != nil {
		return nil, err
	}
	if spot.IsPositive() {
		q.PriceImpact = q.Price().Sub(spot).Abs().Div(spot)
	}

	gasPrice, err := v.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	q.GasEstimate = fromUnits(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(v.config.SwapGasLimit)), nativeDecimals)
	return q, nil
}

// ExecuteSwap implements Venue. It signs, sends and waits for the swap transaction.
// For Buy a zero limit falls back to the current quote, since the router needs a spend cap.
func (v *EVMVenue) ExecuteSwap(ctx context.Context, pair string, side protocol.Side, amount, limit decimal.Decimal) (*SwapReceipt, error) {
	if err := validate(side, amount); err != nil {
		return nil, err
	}
	if v.key == nil {
		return nil, ErrNoSigner
	}
	p, ok := v.pairs[pair]
	if !ok {
		return nil, ErrUnknownPair
	}

	quote, err := v.GetQuote(ctx, pair, side, amount)
	if err != nil {
		return nil, err
	}
	if !withinLimit(side, quote.QuoteAmount(), limit) {
		return nil, ErrSlippageExceeded
	}

	deadline := big.NewInt(v.now().Add(v.config.Deadline).Unix())
	baseUnits := toUnits(amount, p.BaseDecimals)
	var data []byte
	switch side {
	case protocol.SideSell:
		data, err = v.router.Pack("swapExactTokensForTokens", baseUnits, toUnits(limit, p.QuoteDecimals),
			[]common.Address{p.BaseToken, p.QuoteToken}, v.from, deadline)
	case protocol.SideBuy:
		maxIn := limit
		if maxIn.IsZero() {
			maxIn = quote.ExpectedIn
		}
		data, err = v.router.Pack("swapTokensForExactTokens", baseUnits, toUnits(maxIn, p.QuoteDecimals),
			[]common.Address{p.QuoteToken, p.BaseToken}, v.from, deadline)
	}
	if err != nil {
		return nil, err
	}

	receipt, gasPrice, err := v.send(ctx, data)
	if err != nil {
		return nil, err
	}

	effective := receipt.EffectiveGasPrice
	if effective == nil {
		effective = gasPrice
	}
	gasCost := new(big.Int).Mul(effective, new(big.Int).SetUint64(receipt.GasUsed))

	quoteAmount, ok := v.minedQuoteAmount(p, side, receipt.Logs)
	if !ok {
		quoteAmount = quote.QuoteAmount()
		v.logger.Warn("amm swap log not found, reporting quoted amount", "pair", pair, "tx", receipt.TxHash.Hex())
	}

	v.logger.Info("amm swap mined", "pair", pair, "side", side.String(), "amount", amount.String(), "quote_amount", quoteAmount.String(), "tx", receipt.TxHash.Hex(), "gas_used", receipt.GasUsed)

	return &SwapReceipt{
		TxHash:      receipt.TxHash.Hex(),
		Pair:        pair,
		Side:        side,
		Amount:      amount,
		QuoteAmount: quoteAmount,
		GasCost:     fromUnits(gasCost, nativeDecimals),
		ExecutedAt:  v.now(),
	}, nil
}

// minedQuoteAmount decodes the pool's Swap event and returns the quote tokens it paid out
// on a sell or took in on a buy.
func (v *EVMVenue) minedQuoteAmount(p EVMPair, side protocol.Side, logs []*types.Log) (decimal.Decimal, bool) {
	event, ok := v.pool.Events["Swap"]
	if !ok {
		return decimal.Zero, false
	}

	// Uniswap V2 orders pool tokens by address: amount0In, amount1In, amount0Out, amount1Out.
	idx := 0
	if bytes.Compare(p.BaseToken.Bytes(), p.QuoteToken.Bytes()) < 0 {
		idx = 1
	}
	if side == protocol.SideSell {
		idx += 2
	}

	for _, lg := range logs {
		if lg == nil || lg.Address != p.PairAddress || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(values) != 4 {
			v.logger.Warn("amm swap log could not be decoded", "pair", p.Pair, "error", err)
			continue
		}
		amount, ok := values[idx].(*big.Int)
		if !ok {
			continue
		}
		return fromUnits(amount, p.QuoteDecimals), true
	}
	return decimal.Zero, false
}

func (v *EVMVenue) send(ctx context.Context, data []byte) (*types.Receipt, *big.Int, error) {
	v.nonceMu.Lock()
	tx, gasPrice, err := v.signTx(ctx, data)
	if err == nil {
		if err = v.limiter.Wait(ctx); err == nil {
			err = v.client.SendTransaction(ctx, tx)
		}
	}
	v.nonceMu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	receipt, err := v.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, gasPrice, fmt.Errorf("%w: %s", ErrSwapReverted, tx.Hash().Hex())
	}
	return receipt, gasPrice, nil
}

func (v *EVMVenue) signTx(ctx context.Context, data []byte) (*types.Transaction, *big.Int, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	nonce, err := v.client.PendingNonceAt(ctx, v.from)
	if err != nil {
		return nil, nil, err
	}
	gasPrice, err := v.gasPrice(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	chainID, err := v.client.ChainID(ctx)
	if err != nil {
		return nil, nil, err
	}

	router := v.config.Router
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &router,
		Value:    big.NewInt(0),
		Gas:      v.config.SwapGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), v.key)
	if err != nil {
		return nil, nil, err
	}
	return signed, gasPrice, nil
}

// waitMined polls for the receipt until it is available or ctx ends.
func (v *EVMVenue) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(v.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := v.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := v.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *EVMVenue) callAmounts(ctx context.Context, method string, amount *big.Int, path []common.Address) ([]*big.Int, error) {
	data, err := v.router.Pack(method, amount, path)
	if err != nil {
		return nil, err
	}
	out, err := v.call(ctx, v.config.Router, data)
	if err != nil {
		return nil, err
	}
	values, err := v.router.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("amm: unexpected %s response", method)
	}
	return amounts, nil
}

// spotPrice returns quote per base from the pool reserves. Uniswap orders tokens by address.
func (v *EVMVenue) spotPrice(ctx context.Context, p EVMPair) (decimal.Decimal, error) {
	data, err := v.pool.Pack("getReserves")
	if err != nil {
		return decimal.Zero, err
	}
	out, err := v.call(ctx, p.PairAddress, data)
	if err != nil {
		return decimal.Zero, err
	}
	values, err := v.pool.Unpack("getReserves", out)
	if err != nil {
		return decimal.Zero, err
	}
	r0, ok0 := values[0].(*big.Int)
	r1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return decimal.Zero, errors.New("amm: unexpected getReserves response")
	}

	baseReserve, quoteReserve := r0, r1
	if bytes.Compare(p.BaseToken.Bytes(), p.QuoteToken.Bytes()) > 0 {
		baseReserve, quoteReserve = r1, r0
	}
	base := fromUnits(baseReserve, p.BaseDecimals)
	if base.IsZero() {
		return decimal.Zero, ErrInsufficientLiquidity
	}
	return fromUnits(quoteReserve, p.QuoteDecimals).Div(base), nil
}

func (v *EVMVenue) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return v.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (v *EVMVenue) gasPrice(ctx context.Context) (*big.Int, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return v.client.SuggestGasPrice(ctx)
}

func toUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

func fromUnits(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals)
}
