// Package ledger declares the host-ledger collaborators consumed by the
// offering, dividend and registry components.
package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SecurityToken is the token ledger the offering mints into and the dividend
// module snapshots.
type SecurityToken interface {
	Mint(beneficiary common.Address, amount *uint256.Int) error
	BalanceOfAt(holder common.Address, checkpointID uint64) (*uint256.Int, error)
	TotalSupplyAt(checkpointID uint64) (*uint256.Int, error)
	TotalSupply() *uint256.Int
	CreateCheckpoint() (uint64, error)
	CurrentCheckpointID() uint64
	InvestorsLength() int
	InvestorAt(index int) (common.Address, error)
	Owner() common.Address
}

// Oracle reports a price scaled by 10^18.
type Oracle interface {
	Price() (*uint256.Int, error)
}

// OracleRegistry resolves an oracle for a currency pair. A nil oracle means the
// pair is unsupported.
type OracleRegistry interface {
	Oracle(base, quote string) Oracle
}

// TokenData describes a genuine registered security token.
type TokenData struct {
	Symbol  string
	Owner   common.Address
	Details string
}

// TokenRegistry authenticates security token instances.
type TokenRegistry interface {
	SecurityTokenData(token common.Address) (TokenData, error)
}

// NativeBank moves the ledger's native currency.
type NativeBank interface {
	TransferNative(from, to common.Address, amount *uint256.Int) error
}

// FungibleToken is the subset of ERC20 used for alternate-currency purchases
// and dividend payouts.
type FungibleToken interface {
	BalanceOf(holder common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// Clock supplies the ledger's notion of now.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Reverter is implemented by ledgers that can roll back side effects.
// DiscardSnapshot releases id and every later snapshot without touching state.
type Reverter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Atomically runs fn and, when fn fails, reverts every ledger among targets
// that implements Reverter, newest snapshot first. On success the snapshots
// are released. Ledgers that cannot revert are left as fn left them.
func Atomically(fn func() error, targets ...any) error {
	type mark struct {
		r  Reverter
		id int
	}
	marks := make([]mark, 0, len(targets))
	for _, t := range targets {
		if r, ok := t.(Reverter); ok {
			marks = append(marks, mark{r: r, id: r.Snapshot()})
		}
	}
	if err := fn(); err != nil {
		for i := len(marks) - 1; i >= 0; i-- {
			marks[i].r.RevertToSnapshot(marks[i].id)
		}
		return err
	}
	for i := len(marks) - 1; i >= 0; i-- {
		marks[i].r.DiscardSnapshot(marks[i].id)
	}
	return nil
}
