// Package chain settles trades on the exchange contract through an Ethereum
// JSON-RPC endpoint.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// Backend is the subset of *ethclient.Client the settler needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// TxSigner signs settlement transactions with the operator key.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// Config holds contract addresses and per-market identifiers.
type Config struct {
	SettlementAddress common.Address
	CTFAddress        common.Address
	// ConditionIDs maps market id to the conditional token condition id,
	// needed for mint and merge settlement.
	ConditionIDs map[string]common.Hash
	// PositionIDs maps market id to its [YES, NO] ERC-1155 token ids.
	PositionIDs map[string][2]*big.Int
	GasLimit    uint64 // zero means estimate
	ReceiptPoll time.Duration
	ReceiptWait time.Duration
}

// Client implements domain.Settler against the exchange contract.
type Client struct {
	backend Backend
	signer  TxSigner
	cfg     Config
	logger  *slog.Logger

	sendMu sync.Mutex // one in-flight nonce at a time
}

var _ domain.Settler = (*Client)(nil)

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// NewClient creates a settlement client.
func NewClient(backend Backend, signer TxSigner, cfg Config, logger *slog.Logger) *Client {
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.ReceiptWait <= 0 {
		cfg.ReceiptWait = 2 * time.Minute
	}
	return &Client{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// SettleBatch skips trades the contract already recorded, sends every direct
// trade in one executeTrades transaction and each mint or merge trade in its
// own transaction. A failure before anything is sent is returned as a
// transport error for the whole batch; later failures are reported per trade.
func (c *Client) SettleBatch(ctx context.Context, batch []domain.SettlementInstruction) ([]domain.SettlementResult, error) {
	results := make([]domain.SettlementResult, 0, len(batch))
	var direct, positional []domain.SettlementInstruction

	for _, in := range batch {
		done, err := c.IsSettled(ctx, in.TradeID)
		if err != nil {
			return nil, fmt.Errorf("chain: isSettled %s: %w", in.TradeID, err)
		}
		if done {
			results = append(results, domain.SettlementResult{TradeID: in.TradeID})
			continue
		}
		if in.Kind == domain.SettlementMint || in.Kind == domain.SettlementMerge {
			positional = append(positional, in)
		} else {
			direct = append(direct, in)
		}
	}

	if len(direct) > 0 {
		hash, err := c.executeTrades(ctx, direct)
		for _, in := range direct {
			results = append(results, c.result(in.TradeID, hash, err))
		}
	}
	for _, in := range positional {
		hash, err := c.settlePosition(ctx, in)
		results = append(results, c.result(in.TradeID, hash, err))
	}
	return results, nil
}

func (c *Client) result(tradeID string, hash common.Hash, err error) domain.SettlementResult {
	if err != nil {
		return domain.SettlementResult{TradeID: tradeID, Err: err}
	}
	return domain.SettlementResult{TradeID: tradeID, TxHash: hash.Hex()}
}

// IsSettled asks the contract whether a trade id was already executed.
func (c *Client) IsSettled(ctx context.Context, tradeID string) (bool, error) {
	data, err := settlementContract.Pack("isSettled", ToBytes32(tradeID))
	if err != nil {
		return false, err
	}
	to := c.cfg.SettlementAddress
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, err
	}
	vals, err := settlementContract.Unpack("isSettled", out)
	if err != nil {
		return false, fmt.Errorf("decode isSettled: %w", err)
	}
	settled, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("decode isSettled: unexpected %T", vals[0])
	}
	return settled, nil
}

func (c *Client) executeTrades(ctx context.Context, batch []domain.SettlementInstruction) (common.Hash, error) {
	n := len(batch)
	ids := make([][32]byte, n)
	makers := make([][32]byte, n)
	takers := make([][32]byte, n)
	prices := make([]*big.Int, n)
	sizes := make([]*big.Int, n)
	for i, in := range batch {
		ids[i] = ToBytes32(in.TradeID)
		makers[i] = ToBytes32(in.MakerExternalID)
		takers[i] = ToBytes32(in.TakerExternalID)
		prices[i] = big.NewInt(in.Price)
		sizes[i] = big.NewInt(in.Size)
	}
	data, err := settlementContract.Pack("executeTrades", ids, makers, takers, prices, sizes)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack executeTrades: %w", err)
	}
	return c.send(ctx, c.cfg.SettlementAddress, data)
}

func (c *Client) settlePosition(ctx context.Context, in domain.SettlementInstruction) (common.Hash, error) {
	cond, ok := c.cfg.ConditionIDs[in.MarketID]
	if !ok {
		return common.Hash{}, fmt.Errorf("chain: no condition id for market %s", in.MarketID)
	}
	buyer, okB := toAddress(in.Buyer)
	seller, okS := toAddress(in.Seller)
	if !okB || !okS {
		return common.Hash{}, fmt.Errorf("chain: %s settlement needs hex accounts, got %q/%q", in.Kind, in.Buyer, in.Seller)
	}
	method := "splitPositionFor"
	if in.Kind == domain.SettlementMerge {
		method = "mergePositionsFor"
	}
	data, err := settlementContract.Pack(method, ToBytes32(in.TradeID), [32]byte(cond), uint8(in.Outcome),
		buyer, seller, big.NewInt(in.Price), big.NewInt(in.Size))
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return c.send(ctx, c.cfg.SettlementAddress, data)
}

// send signs and submits a transaction, then waits for its receipt.
func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce: %w: %w", domain.ErrSettlementTransport, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: gas price: %w: %w", domain.ErrSettlementTransport, err)
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
		if err != nil {
			// A revert during estimation is a contract rejection, not transport.
			return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send: %w: %w", domain.ErrSettlementTransport, err)
	}
	c.logger.Info("settlement tx sent",
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return signed.Hash(), c.waitMined(ctx, signed.Hash())
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptWait)
	defer cancel()
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("chain: tx %s reverted in block %s", hash.Hex(), receipt.BlockNumber)
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("chain: receipt %s: %w: %w", hash.Hex(), domain.ErrSettlementTransport, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: tx %s not mined: %w: %w", hash.Hex(), domain.ErrSettlementTransport, ctx.Err())
		case <-ticker.C:
		}
	}
}
