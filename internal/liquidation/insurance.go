package liquidation

import "math/big"

// InsuranceReserve is the protocol's backstop in the primary settlement
// asset. It is credited by a share of every liquidation reward and by
// direct funding, and debited when seized collateral cannot erase an
// account's debt. It is an owned object handed to the engine, not
// ambient state, so the engine can be tested in isolation.
type InsuranceReserve struct {
	balance       *big.Int
	systemBadDebt *big.Int
}

func NewInsuranceReserve() *InsuranceReserve {
	return &InsuranceReserve{
		balance:       new(big.Int),
		systemBadDebt: new(big.Int),
	}
}

// Balance returns the current reserve balance. It can be negative after
// covering shortfalls larger than the reserve.
func (r *InsuranceReserve) Balance() *big.Int {
	return new(big.Int).Set(r.balance)
}

// SystemBadDebt returns the running counter of socialized bad debt.
func (r *InsuranceReserve) SystemBadDebt() *big.Int {
	return new(big.Int).Set(r.systemBadDebt)
}

// Fund adds directly contributed capital.
func (r *InsuranceReserve) Fund(amount *big.Int) {
	r.balance.Add(r.balance, amount)
}

// Credit adds the insurance share of a liquidation reward.
func (r *InsuranceReserve) Credit(amount *big.Int) {
	r.balance.Add(r.balance, amount)
}

// Charge absorbs a debt-seizure shortfall. When the charge drives the
// reserve negative the amount is recorded as system bad debt.
func (r *InsuranceReserve) Charge(amount *big.Int) {
	r.balance.Sub(r.balance, amount)
	if r.balance.Sign() < 0 {
		r.systemBadDebt.Add(r.systemBadDebt, amount)
	}
}
