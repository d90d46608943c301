package models

import (
	"time"
)

// TransactionKind classifies a ledger entry
type TransactionKind string

const (
	TransactionPurchase TransactionKind = "purchase"
	TransactionUsage    TransactionKind = "usage"
)

// Transaction reasons recorded on ledger entries
const (
	ReasonSignupBonus = "signup_bonus"
	ReasonPurchase    = "purchase"
	ReasonGrant       = "grant"
	ReasonReservation = "reservation"
	ReasonRefund      = "refund"
)

// CreditTransaction is an immutable ledger entry. A negative delta is a debit.
type CreditTransaction struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Delta      int64           `json:"delta" db:"delta"`
	Kind       TransactionKind `json:"kind" db:"kind"`
	Reason     string          `json:"reason" db:"reason"`
	Reference  string          `json:"reference,omitempty" db:"reference"`
	PackageID  string          `json:"package_id,omitempty" db:"package_id"`
	AmountPaid int64           `json:"amount_paid_cents,omitempty" db:"amount_paid_cents"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

const (
	ReservationPending ReservationStatus = "pending"
	ReservationSettled ReservationStatus = "settled"
)

// Reservation is a provisional debit held against an in-flight action
type Reservation struct {
	ID        string            `json:"id" db:"id"`
	UserID    string            `json:"user_id" db:"user_id"`
	Amount    int64             `json:"amount" db:"amount"`
	Reference string            `json:"reference,omitempty" db:"reference"`
	Status    ReservationStatus `json:"status" db:"status"`
	// Settled is the final cost; only meaningful once Status is settled.
	Settled   int64      `json:"settled_amount" db:"settled_amount"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// Refund returns the amount credited back when the reservation settles at actual.
func (r *Reservation) Refund(actual int64) int64 {
	if actual < 0 {
		actual = 0
	}
	if actual > r.Amount {
		actual = r.Amount
	}
	return r.Amount - actual
}
