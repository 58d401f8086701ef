// Package ledger owns per-account, per-collateral balances and the
// allowance table. Balances are signed wads; a negative balance is only
// meaningful for the primary settlement asset, where it represents debt.
// Every mutation is recorded as a balanced journal batch.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"marginledger/internal/collateral"
	"marginledger/internal/wad"
)

var (
	ErrZeroAmount            = errors.New("ledger: amount must be positive")
	ErrZeroBeneficiary       = errors.New("ledger: zero beneficiary")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInsufficientReserves  = errors.New("ledger: insufficient token reserves")
	ErrOutstandingDebt       = errors.New("ledger: outstanding settlement-asset debt")
	ErrDepositCapExceeded    = errors.New("ledger: deposit cap exceeded")
)

// BalanceKey addresses one account's balance in one collateral.
type BalanceKey struct {
	Account    uuid.UUID
	Collateral int
}

// AllowanceKey addresses a delegated withdrawal grant.
type AllowanceKey struct {
	Owner      uuid.UUID
	Spender    uuid.UUID
	Collateral int
}

// BatchSink receives every applied journal batch, after the balance
// mutation it describes has committed.
type BatchSink func(*Batch)

// Ledger is the collateral ledger. It is not safe for concurrent use;
// the engine serializes access.
type Ledger struct {
	registry   *collateral.Registry
	oracle     Oracle
	tokens     TokenBridge
	balances   map[BalanceKey]*big.Int
	allowances map[AllowanceKey]*big.Int
	sink       BatchSink
	now        func() int64
}

func New(registry *collateral.Registry, oracle Oracle, tokens TokenBridge) *Ledger {
	return &Ledger{
		registry:   registry,
		oracle:     oracle,
		tokens:     tokens,
		balances:   make(map[BalanceKey]*big.Int),
		allowances: make(map[AllowanceKey]*big.Int),
		now:        func() int64 { return time.Now().UnixMicro() },
	}
}

// SetBatchSink installs the journal fan-out hook.
func (l *Ledger) SetBatchSink(sink BatchSink) { l.sink = sink }

// Registry exposes the collateral whitelist for read access.
func (l *Ledger) Registry() *collateral.Registry { return l.registry }

// Balance returns the account's balance in internal units for the given
// descriptor index. Missing entries read as zero.
func (l *Ledger) Balance(account uuid.UUID, idx int) *big.Int {
	if b, ok := l.balances[BalanceKey{account, idx}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Allowance returns the remaining delegated-withdrawal grant.
func (l *Ledger) Allowance(owner, spender uuid.UUID, idx int) *big.Int {
	if a, ok := l.allowances[AllowanceKey{owner, spender, idx}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (l *Ledger) addBalance(account uuid.UUID, idx int, delta *big.Int) {
	key := BalanceKey{account, idx}
	cur, ok := l.balances[key]
	if !ok {
		cur = new(big.Int)
		l.balances[key] = cur
	}
	cur.Add(cur, delta)
}

func (l *Ledger) emit(b *Batch) {
	if l.sink != nil {
		l.sink(b)
	}
}

// Deposit converts nativeAmount from the asset's native precision to
// internal units and credits the beneficiary. The token transfer runs
// before the internal credit so a credited balance always reflects
// tokens actually held.
func (l *Ledger) Deposit(payer, beneficiary uuid.UUID, nativeAmount *big.Int, symbol string) (*big.Int, error) {
	if beneficiary == uuid.Nil {
		return nil, ErrZeroBeneficiary
	}
	if nativeAmount == nil || nativeAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	idx, desc, err := l.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	internal, err := wad.FromNative(nativeAmount, desc.Asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("convert deposit amount: %w", err)
	}
	newTotal := new(big.Int).Add(desc.Total, internal)
	if newTotal.Cmp(desc.MaxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDepositCapExceeded, symbol)
	}

	if err := l.tokens.TransferIn(payer, desc.Asset, nativeAmount); err != nil {
		return nil, fmt.Errorf("transfer in: %w", err)
	}

	l.addBalance(beneficiary, idx, internal)
	desc.Total.Set(newTotal)

	batch := newBatch(l.now())
	batch.add(JournalTypeDeposit,
		UserAccount(beneficiary, symbol),
		ExtAccount(ExternalDeposits, symbol),
		idx, internal)
	l.emit(batch)
	return internal, nil
}

// Withdraw debits the account and transfers nativeAmount out. An
// account with settlement-asset debt may not withdraw any collateral
// until the debt is cleared.
func (l *Ledger) Withdraw(account uuid.UUID, nativeAmount *big.Int, symbol string) (*big.Int, error) {
	if nativeAmount == nil || nativeAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	idx, desc, err := l.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	internal, err := wad.FromNative(nativeAmount, desc.Asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("convert withdrawal amount: %w", err)
	}
	if err := l.withdrawInternal(account, idx, desc, internal, nativeAmount, JournalTypeWithdrawal); err != nil {
		return nil, err
	}
	return internal, nil
}

// WithdrawAll debits the account's entire balance in the asset. Dust
// below the asset's native precision is debited with the rest.
func (l *Ledger) WithdrawAll(account uuid.UUID, symbol string) (*big.Int, error) {
	idx, desc, err := l.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	internal := l.Balance(account, idx)
	if internal.Sign() <= 0 {
		return nil, ErrInsufficientBalance
	}
	native := wad.ToNative(internal, desc.Asset.Decimals)
	if err := l.withdrawInternal(account, idx, desc, internal, native, JournalTypeWithdrawal); err != nil {
		return nil, err
	}
	return internal, nil
}

// WithdrawFor performs a delegated withdrawal: the spender consumes an
// allowance granted by the owner and receives the tokens. The allowance
// is decremented before the transfer and never goes negative.
func (l *Ledger) WithdrawFor(spender, owner uuid.UUID, nativeAmount *big.Int, symbol string) (*big.Int, error) {
	if nativeAmount == nil || nativeAmount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	idx, desc, err := l.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	internal, err := wad.FromNative(nativeAmount, desc.Asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("convert withdrawal amount: %w", err)
	}

	key := AllowanceKey{owner, spender, idx}
	granted, ok := l.allowances[key]
	if !ok || granted.Cmp(internal) < 0 {
		return nil, ErrInsufficientAllowance
	}

	if err := l.checkWithdrawable(owner, idx, internal, nativeAmount, desc); err != nil {
		return nil, err
	}

	// Decrement-then-transfer: the allowance is consumed exactly once.
	granted.Sub(granted, internal)

	batch := l.applyWithdrawal(owner, idx, desc, internal, JournalTypeDelegatedWithdrawal)
	if err := l.tokens.TransferOut(spender, desc.Asset, nativeAmount); err != nil {
		l.revertWithdrawal(owner, idx, desc, internal)
		granted.Add(granted, internal)
		return nil, fmt.Errorf("transfer out: %w", err)
	}
	l.emit(batch)
	return internal, nil
}

// checkWithdrawable runs every withdrawal precondition without mutating
// state, so a failed call has no partial effects.
func (l *Ledger) checkWithdrawable(account uuid.UUID, idx int, internal, native *big.Int, desc *collateral.Descriptor) error {
	if l.Balance(account, collateral.PrimaryIndex).Sign() < 0 {
		return ErrOutstandingDebt
	}
	if l.Balance(account, idx).Cmp(internal) < 0 {
		return ErrInsufficientBalance
	}
	held, err := l.tokens.Balance(desc.Asset)
	if err != nil {
		return fmt.Errorf("ledger token balance: %w", err)
	}
	if held.Cmp(native) < 0 {
		return ErrInsufficientReserves
	}
	return nil
}

func (l *Ledger) applyWithdrawal(account uuid.UUID, idx int, desc *collateral.Descriptor, internal *big.Int, jt JournalType) *Batch {
	l.addBalance(account, idx, new(big.Int).Neg(internal))
	desc.Total.Sub(desc.Total, internal)

	batch := newBatch(l.now())
	batch.add(jt,
		ExtAccount(ExternalWithdrawals, desc.Asset.Symbol),
		UserAccount(account, desc.Asset.Symbol),
		idx, internal)
	return batch
}

func (l *Ledger) revertWithdrawal(account uuid.UUID, idx int, desc *collateral.Descriptor, internal *big.Int) {
	l.addBalance(account, idx, internal)
	desc.Total.Add(desc.Total, internal)
}

func (l *Ledger) withdrawInternal(account uuid.UUID, idx int, desc *collateral.Descriptor, internal, native *big.Int, jt JournalType) error {
	if err := l.checkWithdrawable(account, idx, internal, native, desc); err != nil {
		return err
	}
	// Internal state settles before the token leaves, so a reentrant
	// observer never sees a balance the tokens no longer back. A bridge
	// failure unwinds the debit so the call has no partial effects.
	batch := l.applyWithdrawal(account, idx, desc, internal, jt)
	if err := l.tokens.TransferOut(account, desc.Asset, native); err != nil {
		l.revertWithdrawal(account, idx, desc, internal)
		return fmt.Errorf("transfer out: %w", err)
	}
	l.emit(batch)
	return nil
}

// IncreaseAllowance grants (or extends) a delegated withdrawal, in
// internal units.
func (l *Ledger) IncreaseAllowance(owner, spender uuid.UUID, amount *big.Int, symbol string) error {
	if spender == uuid.Nil {
		return ErrZeroBeneficiary
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	idx, _, err := l.registry.Lookup(symbol)
	if err != nil {
		return err
	}
	key := AllowanceKey{owner, spender, idx}
	cur, ok := l.allowances[key]
	if !ok {
		cur = new(big.Int)
		l.allowances[key] = cur
	}
	cur.Add(cur, amount)
	return nil
}

// DecreaseAllowance reduces a grant. Reducing below zero fails.
func (l *Ledger) DecreaseAllowance(owner, spender uuid.UUID, amount *big.Int, symbol string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	idx, _, err := l.registry.Lookup(symbol)
	if err != nil {
		return err
	}
	key := AllowanceKey{owner, spender, idx}
	cur, ok := l.allowances[key]
	if !ok || cur.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	cur.Sub(cur, amount)
	return nil
}

// Transfer moves internal balance between two accounts without touching
// the token boundary or the running totals. Used for liquidation
// rewards and collateral seizure.
func (l *Ledger) Transfer(from, to uuid.UUID, idx int, amount *big.Int, jt JournalType) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	desc, err := l.registry.Get(idx)
	if err != nil {
		return err
	}
	if l.Balance(from, idx).Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.addBalance(from, idx, new(big.Int).Neg(amount))
	l.addBalance(to, idx, amount)

	batch := newBatch(l.now())
	batch.add(jt,
		UserAccount(to, desc.Asset.Symbol),
		UserAccount(from, desc.Asset.Symbol),
		idx, amount)
	l.emit(batch)
	return nil
}

// Settle credits (delta > 0) or debits (delta < 0) the account's
// primary settlement-asset balance. The balance may go negative; that
// is how debt arises. Only position settlement, liquidation rewards and
// insurance coverage reach this, through their owning components.
func (l *Ledger) Settle(account uuid.UUID, delta *big.Int, jt JournalType) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	symbol := l.registry.Primary().Asset.Symbol
	sys := SystemSettlement
	switch jt {
	case JournalTypeInsuranceCharge, JournalTypeInsuranceCredit:
		sys = SystemInsurance
	}
	l.addBalance(account, collateral.PrimaryIndex, delta)

	batch := newBatch(l.now())
	if delta.Sign() > 0 {
		batch.add(jt,
			UserAccount(account, symbol),
			SysAccount(sys, symbol),
			collateral.PrimaryIndex, delta)
	} else {
		batch.add(jt,
			SysAccount(sys, symbol),
			UserAccount(account, symbol),
			collateral.PrimaryIndex, new(big.Int).Neg(delta))
	}
	l.emit(batch)
	return nil
}

// ReserveValue sums the USD value of every collateral the account holds
// a nonzero balance in. Prices are read from the oracle at call time;
// an unavailable price fails the whole computation. The primary
// settlement asset is cash: price 1.0, weight 1.0, unconditionally.
func (l *Ledger) ReserveValue(account uuid.UUID, discounted bool) (*big.Int, error) {
	total := new(big.Int)
	for idx := 0; idx < l.registry.Count(); idx++ {
		bal := l.Balance(account, idx)
		if bal.Sign() == 0 {
			continue
		}
		if idx == collateral.PrimaryIndex {
			total.Add(total, bal)
			continue
		}
		desc, _ := l.registry.Get(idx)
		price, err := l.oracle.Price(desc.Asset.Symbol)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", desc.Asset.Symbol, err)
		}
		v, err := wad.Mul(bal, price)
		if err != nil {
			return nil, err
		}
		if discounted {
			if v, err = wad.Mul(v, desc.Weight); err != nil {
				return nil, err
			}
		}
		total.Add(total, v)
	}
	return total, nil
}

// CollateralValue prices an internal-unit amount of one collateral,
// undiscounted. The primary asset is cash and needs no oracle read.
func (l *Ledger) CollateralValue(amount *big.Int, desc *collateral.Descriptor) (*big.Int, error) {
	if desc.Asset.Symbol == l.registry.Primary().Asset.Symbol {
		return new(big.Int).Set(amount), nil
	}
	price, err := l.oracle.Price(desc.Asset.Symbol)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", desc.Asset.Symbol, err)
	}
	return wad.Mul(amount, price)
}

// TotalValueLocked derives system TVL from the descriptors' running
// totals. Zero-balance assets contribute nothing.
func (l *Ledger) TotalValueLocked() (*big.Int, error) {
	total := new(big.Int)
	for idx := 0; idx < l.registry.Count(); idx++ {
		desc, _ := l.registry.Get(idx)
		if desc.Total.Sign() == 0 {
			continue
		}
		if idx == collateral.PrimaryIndex {
			total.Add(total, desc.Total)
			continue
		}
		price, err := l.oracle.Price(desc.Asset.Symbol)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", desc.Asset.Symbol, err)
		}
		v, err := wad.Mul(desc.Total, price)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, nil
}

// BalanceSum adds up every account's balance at the given index. The
// result must always equal the descriptor's running total across
// deposits, withdrawals and seizures.
func (l *Ledger) BalanceSum(idx int) *big.Int {
	sum := new(big.Int)
	for key, bal := range l.balances {
		if key.Collateral == idx {
			sum.Add(sum, bal)
		}
	}
	return sum
}
