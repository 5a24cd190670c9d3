package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polymatch/internal/domain"
)

// PositionClassifier picks the settlement kind from on-chain ERC-1155
// balances: a seller short of the outcome token needs a mint, a buyer who
// holds the complementary token merges, anything else transfers directly.
type PositionClassifier struct {
	backend Backend
	cfg     Config
}

var _ domain.KindClassifier = (*PositionClassifier)(nil)

func NewPositionClassifier(backend Backend, cfg Config) *PositionClassifier {
	return &PositionClassifier{backend: backend, cfg: cfg}
}

func (p *PositionClassifier) Classify(ctx context.Context, t domain.Trade) (domain.SettlementKind, error) {
	ids, ok := p.cfg.PositionIDs[t.MarketID]
	if !ok {
		return domain.SettlementDirect, nil
	}
	buyer, okB := toAddress(t.Buyer())
	seller, okS := toAddress(t.Seller())
	if !okB || !okS {
		return domain.SettlementDirect, nil
	}
	size := big.NewInt(t.Size)

	held, err := p.balance(ctx, seller, ids[t.Outcome])
	if err != nil {
		return "", err
	}
	if held.Cmp(size) < 0 {
		return domain.SettlementMint, nil
	}
	opposite, err := p.balance(ctx, buyer, ids[t.Outcome.Opposite()])
	if err != nil {
		return "", err
	}
	if opposite.Cmp(size) >= 0 {
		return domain.SettlementMerge, nil
	}
	return domain.SettlementDirect, nil
}

func (p *PositionClassifier) balance(ctx context.Context, account common.Address, id *big.Int) (*big.Int, error) {
	data, err := ctfContract.Pack("balanceOf", account, id)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	to := p.cfg.CTFAddress
	out, err := p.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf %s: %w", account.Hex(), err)
	}
	vals, err := ctfContract.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("chain: decode balanceOf: %w", err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: decode balanceOf: unexpected %T", vals[0])
	}
	return bal, nil
}
