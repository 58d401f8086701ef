package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope is the top-level namespace of a journal account.
type AccountScope uint8

const (
	ScopeUser AccountScope = iota
	ScopeSystem
	ScopeExternal
)

// SystemAccount names the singleton system-side accounts.
type SystemAccount uint8

const (
	SystemSettlement SystemAccount = iota
	SystemInsurance
	SystemBadDebt
)

// ExternalAccount names the token boundary accounts.
type ExternalAccount uint8

const (
	ExternalDeposits ExternalAccount = iota
	ExternalWithdrawals
)

// AccountRef identifies one side of a journal entry.
type AccountRef struct {
	Scope    AccountScope
	Account  uuid.UUID // zero for system/external scopes
	System   SystemAccount
	External ExternalAccount
	Symbol   string
}

// UserAccount builds a ref for a user's collateral balance.
func UserAccount(account uuid.UUID, symbol string) AccountRef {
	return AccountRef{Scope: ScopeUser, Account: account, Symbol: symbol}
}

// SysAccount builds a ref for a system account.
func SysAccount(name SystemAccount, symbol string) AccountRef {
	return AccountRef{Scope: ScopeSystem, System: name, Symbol: symbol}
}

// ExtAccount builds a ref for a token boundary account.
func ExtAccount(name ExternalAccount, symbol string) AccountRef {
	return AccountRef{Scope: ScopeExternal, External: name, Symbol: symbol}
}

// Path returns the string form used in persisted journal rows and logs.
func (r AccountRef) Path() string {
	switch r.Scope {
	case ScopeUser:
		return fmt.Sprintf("user:%s:%s", r.Account, r.Symbol)
	case ScopeSystem:
		return fmt.Sprintf("system:%s:%s", r.systemName(), r.Symbol)
	case ScopeExternal:
		return fmt.Sprintf("external:%s:%s", r.externalName(), r.Symbol)
	}
	return "unknown"
}

func (r AccountRef) systemName() string {
	switch r.System {
	case SystemSettlement:
		return "settlement"
	case SystemInsurance:
		return "insurance"
	case SystemBadDebt:
		return "bad_debt"
	default:
		return "unknown"
	}
}

func (r AccountRef) externalName() string {
	switch r.External {
	case ExternalDeposits:
		return "deposits"
	case ExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
