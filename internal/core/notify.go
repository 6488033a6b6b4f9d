package core

import (
	"time"

	"TermLedger/internal/ledger"

	"github.com/google/uuid"
)

// NotificationType names a committed ledger change.
type NotificationType string

const (
	NotifyDeposit        NotificationType = "deposit"
	NotifyWithdrawal     NotificationType = "withdrawal"
	NotifyOrderPlaced    NotificationType = "order_placed"
	NotifyOrderCanceled  NotificationType = "order_canceled"
	NotifyDebtCreated    NotificationType = "debt_created"
	NotifyDebtSettled    NotificationType = "debt_settled"
	NotifyDebtLiquidated NotificationType = "debt_liquidated"
	NotifyEventsConsumed NotificationType = "events_consumed"
)

// Notification is emitted after a unit of work commits.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	Type      NotificationType `json:"type"`
	Market    ledger.Key       `json:"market"`
	Payload   any              `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier receives committed notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Notifiers fans a notification out to each notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notification) {
	for _, x := range ns {
		x.Notify(n)
	}
}

type discard struct{}

func (discard) Notify(Notification) {}

func newNotification(t NotificationType, market ledger.Key, now time.Time, payload any) Notification {
	return Notification{
		ID:        uuid.New(),
		Type:      t,
		Market:    market,
		Payload:   payload,
		Timestamp: now.UTC(),
	}
}
