package channel

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	coreerrors "hubchan/core/errors"
	"hubchan/core/types"
	"hubchan/crypto"
)

var (
	userA = common.HexToAddress("0x1000000000000000000000000000000000000001")
	userB = common.HexToAddress("0x2000000000000000000000000000000000000002")
	hub   = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func ether(tenths int64) *big.Int {
	v := big.NewInt(tenths)
	return v.Mul(v, big.NewInt(100_000_000_000_000_000))
}

func nativeBalance(tenths int64) types.Balance {
	return types.Balance{Native: ether(tenths), Token: big.NewInt(0)}
}

func baseLedger(id byte, party common.Address, a, i int64) LedgerState {
	return LedgerState{
		ChannelID:  common.BytesToHash([]byte{id}),
		Nonce:      0,
		ThreadRoot: EmptyThreadRoot,
		PartyA:     party,
		PartyI:     hub,
		BalanceA:   nativeBalance(a),
		BalanceI:   nativeBalance(i),
	}
}

func TestDigestLedgerStateDeterministic(t *testing.T) {
	state := baseLedger(1, userA, 50, 0)
	first, err := DigestLedgerState(state)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	second, err := DigestLedgerState(state.Clone())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if first != second {
		t.Fatalf("digest not deterministic")
	}
}

func TestDigestLedgerStateSensitiveToEveryField(t *testing.T) {
	base := baseLedger(1, userA, 50, 3)
	base.BalanceA.Token = big.NewInt(7)
	base.BalanceI.Token = big.NewInt(9)
	baseDigest, err := DigestLedgerState(base)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	mutations := map[string]func(*LedgerState){
		"channelId":       func(s *LedgerState) { s.ChannelID[31] ^= 0xff },
		"isClose":         func(s *LedgerState) { s.IsClose = true },
		"nonce":           func(s *LedgerState) { s.Nonce++ },
		"openThreadCount": func(s *LedgerState) { s.OpenThreadCount++ },
		"threadRoot":      func(s *LedgerState) { s.ThreadRoot[0] = 1 },
		"partyA":          func(s *LedgerState) { s.PartyA = userB },
		"partyI":          func(s *LedgerState) { s.PartyI = userB },
		"nativeA":         func(s *LedgerState) { s.BalanceA.Native = ether(51) },
		"nativeI":         func(s *LedgerState) { s.BalanceI.Native = ether(4) },
		"tokenA":          func(s *LedgerState) { s.BalanceA.Token = big.NewInt(8) },
		"tokenI":          func(s *LedgerState) { s.BalanceI.Token = big.NewInt(10) },
		"swapBalances": func(s *LedgerState) {
			s.BalanceA, s.BalanceI = s.BalanceI, s.BalanceA
		},
		"swapAssetSlots": func(s *LedgerState) {
			s.BalanceA.Native, s.BalanceA.Token = s.BalanceA.Token, s.BalanceA.Native
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			mutated := base.Clone()
			mutate(&mutated)
			digest, err := DigestLedgerState(mutated)
			if err != nil {
				t.Fatalf("digest: %v", err)
			}
			if digest == baseDigest {
				t.Fatalf("mutating %s left digest unchanged", name)
			}
		})
	}
}

func TestDigestThreadStateSensitiveToEveryField(t *testing.T) {
	base := ThreadState{
		ThreadID: common.HexToHash("0xaa"),
		PartyA:   userA,
		PartyB:   userB,
		BalanceA: types.NewBalance(9, 2),
		BalanceB: types.NewBalance(1, 0),
	}
	baseDigest, err := DigestThreadState(base)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	mutations := []func(*ThreadState){
		func(s *ThreadState) { s.ThreadID[0] = 1 },
		func(s *ThreadState) { s.Nonce = 1 },
		func(s *ThreadState) { s.PartyA = hub },
		func(s *ThreadState) { s.PartyB = hub },
		func(s *ThreadState) { s.BalanceA.Native = big.NewInt(8) },
		func(s *ThreadState) { s.BalanceB.Native = big.NewInt(2) },
		func(s *ThreadState) { s.BalanceA.Token = big.NewInt(3) },
		func(s *ThreadState) { s.BalanceB.Token = big.NewInt(1) },
	}
	for i, mutate := range mutations {
		mutated := base.Clone()
		mutate(&mutated)
		digest, err := DigestThreadState(mutated)
		if err != nil {
			t.Fatalf("mutation %d: %v", i, err)
		}
		if digest == baseDigest {
			t.Fatalf("mutation %d left digest unchanged", i)
		}
	}
}

func TestValidateBalances(t *testing.T) {
	cases := []struct {
		name    string
		balance types.Balance
		wantErr bool
	}{
		{name: "ok", balance: types.NewBalance(1, 0)},
		{name: "missing token", balance: types.Balance{Native: big.NewInt(1)}, wantErr: true},
		{name: "negative", balance: types.NewBalance(-1, 0), wantErr: true},
		{name: "overflow", balance: types.Balance{Native: new(big.Int).Lsh(big.NewInt(1), 256), Token: big.NewInt(0)}, wantErr: true},
	}
	for _, tc := range cases {
		err := ValidateBalances(tc.balance)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidBalance) {
				t.Fatalf("%s: expected InvalidBalance, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
	if _, err := ParseBalance("abc", "0"); !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("non-numeric amount accepted: %v", err)
	}
	if _, err := ParseBalance("-5", "0"); !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("negative amount accepted: %v", err)
	}
}

func threadFixture(id byte, payer, payee common.Address, principal int64) ThreadState {
	return ThreadState{
		ThreadID: common.BytesToHash([]byte{0xee, id}),
		PartyA:   payer,
		PartyB:   payee,
		BalanceA: nativeBalance(principal),
		BalanceB: nativeBalance(0),
	}
}

func TestThreadRootOrderAndProofs(t *testing.T) {
	empty, err := ComputeThreadRoot(nil)
	if err != nil || empty != EmptyThreadRoot {
		t.Fatalf("empty root: %x %v", empty, err)
	}
	threads := []ThreadState{
		threadFixture(1, userA, userB, 10),
		threadFixture(2, userA, userB, 20),
		threadFixture(3, userB, userA, 5),
	}
	root, err := ComputeThreadRoot(threads)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	reordered, err := ComputeThreadRoot([]ThreadState{threads[1], threads[0], threads[2]})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root == reordered {
		t.Fatalf("root must be order sensitive")
	}
	for i := range threads {
		proof, err := ThreadRootProof(threads, i)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		if !VerifyThreadProof(threads[i], proof, root) {
			t.Fatalf("proof %d does not verify", i)
		}
		if VerifyThreadProof(threads[(i+1)%len(threads)], proof, root) {
			t.Fatalf("proof %d verifies for the wrong thread", i)
		}
	}
	single, err := ComputeThreadRoot(threads[:1])
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	leaf, _ := DigestThreadState(threads[0])
	if single != leaf {
		t.Fatalf("single-thread root should be the leaf")
	}
}

func TestThreadPaymentAuthorization(t *testing.T) {
	initial := threadFixture(1, userA, userB, 10)
	next := initial.Clone()
	next.Nonce = 1
	next.BalanceA = nativeBalance(9)
	next.BalanceB = nativeBalance(1)
	if err := CheckThreadPayment(initial, next); err != nil {
		t.Fatalf("valid payment rejected: %v", err)
	}

	reverse := next.Clone()
	reverse.Nonce = 2
	reverse.BalanceA = nativeBalance(10)
	reverse.BalanceB = nativeBalance(0)
	if err := CheckThreadPayment(next, reverse); !errors.Is(err, coreerrors.ErrAuthorization) {
		t.Fatalf("payee-to-payer movement accepted: %v", err)
	}

	inflated := next.Clone()
	inflated.BalanceB = nativeBalance(2)
	if err := CheckThreadPayment(initial, inflated); !errors.Is(err, ErrConservation) {
		t.Fatalf("value creation accepted: %v", err)
	}

	if err := CheckThreadPayment(next, next); !errors.Is(err, coreerrors.ErrStaleState) {
		t.Fatalf("replayed nonce accepted: %v", err)
	}
}

func TestLedgerSuccessorNonceRules(t *testing.T) {
	prev := baseLedger(1, userA, 50, 0)
	next := prev.Clone()
	next.Nonce = 1
	if err := CheckLedgerSuccessor(prev, next); err != nil {
		t.Fatalf("valid successor rejected: %v", err)
	}
	if err := CheckLedgerSuccessor(next, prev); !errors.Is(err, coreerrors.ErrStaleState) {
		t.Fatalf("stale successor accepted: %v", err)
	}
	gap := prev.Clone()
	gap.Nonce = 3
	if err := CheckLedgerSuccessor(prev, gap); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("nonce gap accepted: %v", err)
	}
	closing := next.Clone()
	closing.IsClose = true
	after := closing.Clone()
	after.Nonce = 2
	after.IsClose = false
	if err := CheckLedgerSuccessor(closing, after); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("update after close accepted: %v", err)
	}
}

// Thread bonding and fold-in across both ledger channels: A pays B 0.1 out
// of a 1.0 thread.
func TestThreadLifecycleConservesValue(t *testing.T) {
	ledgerA := baseLedger(1, userA, 50, 0)
	ledgerB := baseLedger(2, userB, 0, 30)
	depositedA := Deposited(ledgerA, nil)
	depositedB := Deposited(ledgerB, nil)

	initial := threadFixture(7, userA, userB, 10)
	bondedA, threadsA, err := BondThread(ledgerA, nil, initial)
	if err != nil {
		t.Fatalf("bond payer side: %v", err)
	}
	bondedB, threadsB, err := BondThread(ledgerB, nil, initial)
	if err != nil {
		t.Fatalf("bond payee side: %v", err)
	}
	if bondedA.Nonce != 1 || bondedA.OpenThreadCount != 1 || !bondedA.BalanceA.Equal(nativeBalance(40)) {
		t.Fatalf("unexpected payer bond state %+v", bondedA)
	}
	if !bondedB.BalanceI.Equal(nativeBalance(20)) {
		t.Fatalf("hub should bond the payee side: %s", bondedB.BalanceI)
	}
	for _, check := range []struct {
		state     LedgerState
		threads   []ThreadState
		deposited types.Balance
	}{{bondedA, threadsA, depositedA}, {bondedB, threadsB, depositedB}} {
		if err := CheckThreadSet(check.state, check.threads); err != nil {
			t.Fatalf("thread set: %v", err)
		}
		if err := CheckConservation(check.state, check.threads, check.deposited); err != nil {
			t.Fatalf("conservation after bond: %v", err)
		}
	}

	paid := initial.Clone()
	paid.Nonce = 1
	paid.BalanceA = nativeBalance(9)
	paid.BalanceB = nativeBalance(1)
	if err := CheckThreadPayment(initial, paid); err != nil {
		t.Fatalf("payment: %v", err)
	}

	foldedA, remainingA, err := FoldThread(bondedA, threadsA, paid)
	if err != nil {
		t.Fatalf("fold payer side: %v", err)
	}
	foldedB, remainingB, err := FoldThread(bondedB, threadsB, paid)
	if err != nil {
		t.Fatalf("fold payee side: %v", err)
	}
	if foldedA.OpenThreadCount != 0 || foldedA.ThreadRoot != EmptyThreadRoot || len(remainingA) != 0 {
		t.Fatalf("thread not removed: %+v", foldedA)
	}
	if !foldedA.BalanceA.Equal(nativeBalance(49)) || !foldedA.BalanceI.Equal(nativeBalance(1)) {
		t.Fatalf("unexpected payer channel balances A=%s I=%s", foldedA.BalanceA, foldedA.BalanceI)
	}
	if !foldedB.BalanceA.Equal(nativeBalance(1)) || !foldedB.BalanceI.Equal(nativeBalance(29)) {
		t.Fatalf("unexpected payee channel balances B=%s I=%s", foldedB.BalanceA, foldedB.BalanceI)
	}
	if err := CheckConservation(foldedA, remainingA, depositedA); err != nil {
		t.Fatalf("conservation after fold: %v", err)
	}
	if err := CheckConservation(foldedB, remainingB, depositedB); err != nil {
		t.Fatalf("conservation after fold: %v", err)
	}

	if _, _, err := FoldThread(foldedA, remainingA, paid); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("double fold accepted: %v", err)
	}
}

func TestBondThreadRejectsOverdraft(t *testing.T) {
	ledger := baseLedger(1, userA, 5, 0)
	_, _, err := BondThread(ledger, nil, threadFixture(1, userA, userB, 10))
	if !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("expected InvalidBalance, got %v", err)
	}
}

func TestThreadSignatureMustComeFromPayer(t *testing.T) {
	payerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	otherKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	state := threadFixture(1, payerKey.Address(), userB, 10)
	signed, err := SignThreadState(state, payerKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := signed.Verify(); err != nil {
		t.Fatalf("payer signature rejected: %v", err)
	}
	forged, err := SignThreadState(state, otherKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := forged.Verify(); !errors.Is(err, crypto.ErrInvalidSignature) {
		t.Fatalf("non-payer signature accepted: %v", err)
	}
}
