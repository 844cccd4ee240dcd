package interpreter

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "hubchan/core/errors"
	"hubchan/core/events"
	"hubchan/core/types"
)

var (
	ErrLimitExceeded = coreerrors.Revert("LimitExceeded")

	errNilState   = errors.New("interpreter: state not configured")
	errNoCustody  = errors.New("interpreter: custody account not configured")
	errNegativeTx = errors.New("interpreter: negative transfer amount")
)

type interpreterState interface {
	AssetBalance(owner, asset common.Address) (*big.Int, error)
	SetAssetBalance(owner, asset common.Address, amount *big.Int) error
	InterpreterWithdrawn(instance common.Hash, asset common.Address) (*big.Int, error)
	SetInterpreterWithdrawn(instance common.Hash, asset common.Address, total *big.Int) error
}

// Interpreter turns an app outcome into asset transfers out of custody.
type Interpreter interface {
	Kind() Kind
	InterpretOutcomeAndExecuteEffect(instance common.Hash, outcome, params []byte) error
	TotalAmountWithdrawn(instance common.Hash, asset common.Address) (*big.Int, error)
}

type transferEvent struct {
	evt *types.Event
}

func (e transferEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e transferEvent) Event() *types.Event { return e.evt }

// base holds the state shared by both variants. The mutex makes the
// limit check, the transfers and the counter increment a single step.
type base struct {
	mu      sync.Mutex
	state   interpreterState
	emitter events.Emitter
	custody common.Address
}

func (b *base) SetState(state interpreterState) { b.state = state }

// SetCustody configures the account outcomes are paid from.
func (b *base) SetCustody(addr common.Address) { b.custody = addr }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (b *base) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		b.emitter = events.NoopEmitter{}
		return
	}
	b.emitter = emitter
}

func (b *base) emit(evt *types.Event) {
	if b.emitter == nil || evt == nil {
		return
	}
	b.emitter.Emit(transferEvent{evt: evt})
}

// TotalAmountWithdrawn returns the cumulative amount of asset that left
// custody on behalf of instance.
func (b *base) TotalAmountWithdrawn(instance common.Hash, asset common.Address) (*big.Int, error) {
	if b.state == nil {
		return nil, errNilState
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withdrawn(instance, asset)
}

func (b *base) withdrawn(instance common.Hash, asset common.Address) (*big.Int, error) {
	total, err := b.state.InterpreterWithdrawn(instance, asset)
	if err != nil {
		return nil, err
	}
	if total == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(total), nil
}

type assetPlan struct {
	asset     common.Address
	transfers []CoinTransfer
	sum       *big.Int
	withdrawn *big.Int
}

// execute validates every asset against its limit before moving anything,
// then transfers and bumps the withdrawn counters. Callers hold b.mu.
func (b *base) execute(instance common.Hash, plans []assetPlan, limits []*big.Int) error {
	if b.state == nil {
		return errNilState
	}
	if b.custody == (common.Address{}) {
		return errNoCustody
	}
	for i := range plans {
		plan := &plans[i]
		plan.sum = big.NewInt(0)
		for _, tx := range plan.transfers {
			if tx.Amount == nil {
				continue
			}
			if tx.Amount.Sign() < 0 {
				return errNegativeTx
			}
			plan.sum.Add(plan.sum, tx.Amount)
		}
		limit := limits[i]
		if limit == nil {
			limit = big.NewInt(0)
		}
		if plan.sum.Cmp(limit) > 0 {
			return ErrLimitExceeded.With("asset %s: outcome %s exceeds limit %s", plan.asset.Hex(), plan.sum, limit)
		}
		withdrawn, err := b.withdrawn(instance, plan.asset)
		if err != nil {
			return err
		}
		if new(big.Int).Add(withdrawn, plan.sum).Cmp(limit) > 0 {
			return ErrLimitExceeded.With("asset %s: %s already withdrawn of limit %s", plan.asset.Hex(), withdrawn, limit)
		}
		held, err := b.state.AssetBalance(b.custody, plan.asset)
		if err != nil {
			return err
		}
		if held == nil || held.Cmp(plan.sum) < 0 {
			return fmt.Errorf("interpreter: custody holds %s of %s, outcome pays %s", held, plan.asset.Hex(), plan.sum)
		}
		plan.withdrawn = withdrawn
	}
	for _, plan := range plans {
		total := new(big.Int).Add(plan.withdrawn, plan.sum)
		if err := b.state.SetInterpreterWithdrawn(instance, plan.asset, total); err != nil {
			return err
		}
		for _, tx := range plan.transfers {
			if tx.Amount == nil || tx.Amount.Sign() == 0 {
				continue
			}
			if err := b.transfer(plan.asset, tx.To, tx.Amount); err != nil {
				return err
			}
			b.emit(events.CoinsTransferred{
				Identity:  instance,
				Asset:     plan.asset,
				Recipient: tx.To,
				Amount:    new(big.Int).Set(tx.Amount),
				Withdrawn: new(big.Int).Set(total),
			}.Event())
		}
	}
	return nil
}

func (b *base) transfer(asset, to common.Address, amount *big.Int) error {
	from, err := b.state.AssetBalance(b.custody, asset)
	if err != nil {
		return err
	}
	if from == nil || from.Cmp(amount) < 0 {
		return fmt.Errorf("interpreter: custody holds %s of %s, need %s", from, asset.Hex(), amount)
	}
	dest, err := b.state.AssetBalance(to, asset)
	if err != nil {
		return err
	}
	if dest == nil {
		dest = big.NewInt(0)
	}
	if err := b.state.SetAssetBalance(b.custody, asset, new(big.Int).Sub(from, amount)); err != nil {
		return err
	}
	return b.state.SetAssetBalance(to, asset, new(big.Int).Add(dest, amount))
}

// SingleAssetTwoParty settles two-party outcomes in one asset.
type SingleAssetTwoParty struct {
	base
}

func NewSingleAssetTwoParty() *SingleAssetTwoParty {
	return &SingleAssetTwoParty{base: base{emitter: events.NoopEmitter{}}}
}

func (*SingleAssetTwoParty) Kind() Kind { return KindSingleAssetTwoParty }

// InterpretOutcomeAndExecuteEffect pays both transfers of the outcome.
func (s *SingleAssetTwoParty) InterpretOutcomeAndExecuteEffect(instance common.Hash, outcome, params []byte) error {
	decoded, err := DecodeSingleAssetOutcome(outcome)
	if err != nil {
		return err
	}
	p, err := DecodeSingleAssetParams(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	plans := []assetPlan{{asset: p.Asset, transfers: decoded[:]}}
	return s.execute(instance, plans, []*big.Int{p.Limit})
}

// MultiAsset settles outcomes with any number of recipients across several
// assets.
type MultiAsset struct {
	base
}

func NewMultiAsset() *MultiAsset {
	return &MultiAsset{base: base{emitter: events.NoopEmitter{}}}
}

func (*MultiAsset) Kind() Kind { return KindMultiAsset }

// InterpretOutcomeAndExecuteEffect pays every asset's transfer list. Either
// all assets are paid or none is.
func (m *MultiAsset) InterpretOutcomeAndExecuteEffect(instance common.Hash, outcome, params []byte) error {
	decoded, err := DecodeMultiAssetOutcome(outcome)
	if err != nil {
		return err
	}
	p, err := DecodeMultiAssetParams(params)
	if err != nil {
		return err
	}
	if len(decoded) > len(p.Assets) {
		return fmt.Errorf("interpreter: outcome lists %d assets, params declare %d", len(decoded), len(p.Assets))
	}
	seen := make(map[common.Address]struct{}, len(decoded))
	plans := make([]assetPlan, len(decoded))
	for i, transfers := range decoded {
		if _, dup := seen[p.Assets[i]]; dup {
			return fmt.Errorf("interpreter: asset %s listed twice", p.Assets[i].Hex())
		}
		seen[p.Assets[i]] = struct{}{}
		plans[i] = assetPlan{asset: p.Assets[i], transfers: transfers}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execute(instance, plans, p.Limits[:len(decoded)])
}
