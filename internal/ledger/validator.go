package ledger

import "fmt"

// InvariantValidator checks record invariants after a unit of work mutates
// them and before it commits.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// ValidateMarket checks liquid_qty <= qty on every slot and the
// over-collateralization range.
func (v *InvariantValidator) ValidateMarket(m *Market) error {
	if m.OverCollateralPercent > 100 {
		return fmt.Errorf("%w: over-collateral percent %d exceeds 100", ErrInvalidAccountData, m.OverCollateralPercent)
	}
	for i := range m.Debts {
		d := &m.Debts[i]
		if d.LiquidQty > d.Qty {
			return fmt.Errorf("%w: debt %d liquid_qty %d exceeds qty %d", ErrInvalidAccountData, i, d.LiquidQty, d.Qty)
		}
	}
	return nil
}

// ValidateAccount checks the account belongs to m and every open debt id
// references a live slot the account is party to.
func (v *InvariantValidator) ValidateAccount(m *Market, a *MarginAccount) error {
	if a.Market != m.ID {
		return fmt.Errorf("%w: account %s belongs to market %s, not %s",
			ErrInvalidAccountData, a.Owner.Short(), a.Market.Short(), m.ID.Short())
	}
	if a.OpenOrders.Len() > OpenOrdersCapacity || a.OpenDebts.Len() > OpenDebtsCapacity {
		return fmt.Errorf("%w: account %s set over capacity", ErrCapacityExceeded, a.Owner.Short())
	}
	for _, id := range a.OpenDebts.IDs() {
		d, err := m.Debt(id)
		if err != nil {
			return err
		}
		if !d.Live() {
			return fmt.Errorf("%w: account %s references free debt slot %d", ErrInvalidAccountData, a.Owner.Short(), id)
		}
		if d.Borrower != a.Owner && d.Lender != a.Owner {
			return fmt.Errorf("%w: account %s is not party to debt %d", ErrInvalidAccountData, a.Owner.Short(), id)
		}
	}
	return nil
}
