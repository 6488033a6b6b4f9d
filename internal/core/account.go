package core

import (
	"context"
	"fmt"

	"TermLedger/internal/custody"
	"TermLedger/internal/ledger"
	"TermLedger/internal/risk"
	"TermLedger/internal/store"
)

// TransferRequest moves tokens between an owner's token account and one of
// the market vaults.
type TransferRequest struct {
	Market ledger.Key `json:"market"`
	Owner  ledger.Key `json:"owner"`
	Vault  ledger.Key `json:"vault"`
	// Counterparty is the owner's token account: the source of a deposit or
	// the destination of a withdrawal.
	Counterparty ledger.Key `json:"counterparty"`
	Amount       uint64     `json:"amount"`
}

// BalanceChange is the payload of deposit and withdrawal notifications.
type BalanceChange struct {
	Owner  ledger.Key `json:"owner"`
	Vault  ledger.Key `json:"vault"`
	Amount uint64     `json:"amount"`
}

// Deposit credits base_free or quote_total after pulling tokens into the vault.
func (p *Processor) Deposit(ctx context.Context, req TransferRequest) error {
	if err := requirePositive(req.Amount, "deposit amount"); err != nil {
		return err
	}

	return p.update(ctx, "deposit", req.Market, func(tx store.Tx, out *[]Notification) error {
		m := tx.Market()
		a, err := tx.Account(req.Owner)
		if err != nil {
			return err
		}

		switch req.Vault {
		case m.BaseVault:
			a.BaseFree += req.Amount
		case m.QuoteVault:
			a.QuoteTotal += req.Amount
		default:
			return fmt.Errorf("%w: %s is not a vault of market %s", ledger.ErrInvalidAccountData, req.Vault.Short(), m.ID.Short())
		}

		if err := p.validate(m, a); err != nil {
			return err
		}
		if err := tx.Transfer(custody.Leg{
			From:      req.Counterparty,
			To:        req.Vault,
			Amount:    req.Amount,
			Authority: req.Owner,
		}); err != nil {
			return fmt.Errorf("deposit transfer: %w", err)
		}

		*out = append(*out, newNotification(NotifyDeposit, m.ID, p.clock(), BalanceChange{
			Owner: req.Owner, Vault: req.Vault, Amount: req.Amount,
		}))
		return nil
	})
}

// Withdraw releases tokens from a vault. Base withdrawals are bounded by
// base_free; quote withdrawals by max_withdraw_qty at the current price.
func (p *Processor) Withdraw(ctx context.Context, req TransferRequest) error {
	if err := requirePositive(req.Amount, "withdraw amount"); err != nil {
		return err
	}

	return p.update(ctx, "withdraw", req.Market, func(tx store.Tx, out *[]Notification) error {
		m := tx.Market()
		a, err := tx.Account(req.Owner)
		if err != nil {
			return err
		}

		switch req.Vault {
		case m.BaseVault:
			if req.Amount > a.BaseFree {
				return fmt.Errorf("%w: withdraw %d base, %d free", ledger.ErrInsufficientFunds, req.Amount, a.BaseFree)
			}
			a.BaseFree -= req.Amount

		case m.QuoteVault:
			if err := p.checkQuoteWithdraw(ctx, m, a, req.Amount); err != nil {
				return err
			}
			a.QuoteTotal -= req.Amount

		default:
			return fmt.Errorf("%w: %s is not a vault of market %s", ledger.ErrInvalidAccountData, req.Vault.Short(), m.ID.Short())
		}

		if err := p.validate(m, a); err != nil {
			return err
		}
		if err := tx.Transfer(custody.Leg{
			From:      req.Vault,
			To:        req.Counterparty,
			Amount:    req.Amount,
			Authority: signer(m),
		}); err != nil {
			return fmt.Errorf("withdraw transfer: %w", err)
		}

		*out = append(*out, newNotification(NotifyWithdrawal, m.ID, p.clock(), BalanceChange{
			Owner: req.Owner, Vault: req.Vault, Amount: req.Amount,
		}))
		return nil
	})
}

func (p *Processor) checkQuoteWithdraw(ctx context.Context, m *ledger.Market, a *ledger.MarginAccount, amount uint64) error {
	// no exposure: the whole quote balance is free and no price is needed
	if risk.TotalExposure(a, m, p.clock()) == 0 {
		if amount > a.QuoteTotal {
			return fmt.Errorf("%w: withdraw %d quote, %d held", ledger.ErrInsufficientFunds, amount, a.QuoteTotal)
		}
		return nil
	}

	price, err := p.quotePrice(ctx, m)
	if err != nil {
		return err
	}
	limit, err := p.calc.MaxWithdrawQty(a, m, price, p.clock())
	if err != nil {
		return err
	}
	if amount > limit {
		return fmt.Errorf("%w: withdraw %d quote, limit %d", ledger.ErrInsufficientFunds, amount, limit)
	}
	return nil
}
