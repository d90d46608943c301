package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

const transactionColumns = `id, user_id, delta, kind, reason, reference, package_id, amount_paid_cents, created_at`

const reservationColumns = `id, user_id, amount, reference, status, settled_amount, created_at, settled_at`

// CreateAccount inserts the account together with its opening transaction.
// The opening balance is the opening transaction's delta.
func (s *sqlStore) CreateAccount(ctx context.Context, account *models.Account, opening *models.CreditTransaction) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.CreatedAt
	account.Balance = 0
	if opening != nil {
		account.Balance = opening.Delta
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := s.queryRow(ctx, tx, "SELECT 1 FROM accounts WHERE user_id = ?", account.UserID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: account %s already exists", ErrConflict, account.UserID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to check account", err)
		}

		if _, err := s.exec(ctx, tx,
			`INSERT INTO accounts (user_id, email, balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			account.UserID, account.Email, account.Balance, account.CreatedAt, account.UpdatedAt); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to create account", err)
		}

		if opening != nil {
			opening.UserID = account.UserID
			if opening.CreatedAt.IsZero() {
				opening.CreatedAt = account.CreatedAt
			}
			return s.insertTransaction(ctx, tx, opening)
		}
		return nil
	})
}

// GetAccount retrieves an account by user id
func (s *sqlStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return s.getAccount(ctx, db, userID)
}

func (s *sqlStore) getAccount(ctx context.Context, q queryer, userID string) (*models.Account, error) {
	account := &models.Account{}
	err := s.queryRow(ctx, q,
		`SELECT user_id, email, balance, created_at, updated_at FROM accounts WHERE user_id = ?`, userID).
		Scan(&account.UserID, &account.Email, &account.Balance, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get account", err)
	}
	return account, nil
}

// ReserveCredits debits reservation.Amount if and only if the balance covers
// it, and records the reservation and its usage transaction.
func (s *sqlStore) ReserveCredits(ctx context.Context, reservation *models.Reservation) (*models.CreditTransaction, error) {
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = time.Now()
	}
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	reservation.Status = models.ReservationPending

	usage := &models.CreditTransaction{
		ID:        utils.GenerateID(),
		UserID:    reservation.UserID,
		Delta:     -reservation.Amount,
		Kind:      models.TransactionUsage,
		Reason:    models.ReasonReservation,
		Reference: reservation.ID,
		CreatedAt: reservation.CreatedAt,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := s.queryRow(ctx, tx,
			`UPDATE accounts SET balance = balance - ?, updated_at = ?
			 WHERE user_id = ? AND balance >= ?
			 RETURNING balance`,
			reservation.Amount, reservation.CreatedAt, reservation.UserID, reservation.Amount).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			account, getErr := s.getAccount(ctx, tx, reservation.UserID)
			if getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, account.Balance, reservation.Amount)
		}
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to debit account", err)
		}

		if _, err := s.exec(ctx, tx,
			`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			reservation.ID, reservation.UserID, reservation.Amount, reservation.Reference,
			string(reservation.Status), 0, reservation.CreatedAt, nil); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to save reservation", err)
		}

		return s.insertTransaction(ctx, tx, usage)
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// SettleReservation finalizes a pending reservation at actual (clamped to
// [0, amount]) and refunds the remainder. Settling an already settled
// reservation at the same amount is a no-op; at a different amount it is
// a conflict.
func (s *sqlStore) SettleReservation(ctx context.Context, reservationID string, actual int64, at time.Time) (*SettleResult, error) {
	at = at.UTC()
	var result *SettleResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reservation, err := s.getReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}

		settled := reservation.Amount - reservation.Refund(actual)
		if reservation.Status == models.ReservationSettled {
			return alreadySettled(reservation, settled, &result)
		}

		res, err := s.exec(ctx, tx,
			`UPDATE reservations SET status = ?, settled_amount = ?, settled_at = ?
			 WHERE id = ? AND status = ?`,
			string(models.ReservationSettled), settled, at, reservationID, string(models.ReservationPending))
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to settle reservation", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost to a concurrent settle; judge against what it wrote.
			reservation, err = s.getReservation(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			return alreadySettled(reservation, settled, &result)
		}

		reservation.Status = models.ReservationSettled
		reservation.Settled = settled
		reservation.SettledAt = &at
		result = &SettleResult{Reservation: reservation}

		refund := reservation.Amount - settled
		if refund == 0 {
			return nil
		}

		if _, err := s.exec(ctx, tx,
			`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
			refund, at, reservation.UserID); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to refund account", err)
		}

		result.Refund = &models.CreditTransaction{
			ID:        utils.GenerateID(),
			UserID:    reservation.UserID,
			Delta:     refund,
			Kind:      models.TransactionPurchase,
			Reason:    models.ReasonRefund,
			Reference: reservation.ID,
			CreatedAt: at,
		}
		return s.insertTransaction(ctx, tx, result.Refund)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func alreadySettled(reservation *models.Reservation, settled int64, result **SettleResult) error {
	if reservation.Settled != settled {
		return fmt.Errorf("%w: reservation %s already settled at %d, not %d",
			ErrConflict, reservation.ID, reservation.Settled, settled)
	}
	*result = &SettleResult{Reservation: reservation, AlreadySettled: true}
	return nil
}

// CreditAccount adds a positive transaction to the account
func (s *sqlStore) CreditAccount(ctx context.Context, credit *models.CreditTransaction) (*models.Account, error) {
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = time.Now()
	}
	credit.CreatedAt = credit.CreatedAt.UTC()

	var account *models.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
			credit.Delta, credit.CreatedAt, credit.UserID)
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to credit account", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: account %s", ErrNotFound, credit.UserID)
		}
		if err := s.insertTransaction(ctx, tx, credit); err != nil {
			return err
		}
		account, err = s.getAccount(ctx, tx, credit.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetReservation retrieves a reservation by id
func (s *sqlStore) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return s.getReservation(ctx, db, reservationID)
}

func (s *sqlStore) getReservation(ctx context.Context, q queryer, reservationID string) (*models.Reservation, error) {
	rows, err := s.query(ctx, q, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, reservationID)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get reservation", err)
	}
	defer rows.Close()

	reservations, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, reservationID)
	}
	return reservations[0], nil
}

// GetPendingReservations returns every reservation that has not been settled
func (s *sqlStore) GetPendingReservations(ctx context.Context) ([]*models.Reservation, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx, db,
		`SELECT `+reservationColumns+` FROM reservations WHERE status = ? ORDER BY created_at`,
		string(models.ReservationPending))
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get pending reservations", err)
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows *sql.Rows) ([]*models.Reservation, error) {
	var reservations []*models.Reservation
	for rows.Next() {
		r := &models.Reservation{}
		var status string
		var settledAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &r.Reference, &status,
			&r.Settled, &r.CreatedAt, &settledAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan reservation", err)
		}
		r.Status = models.ReservationStatus(status)
		r.SettledAt = timePtr(settledAt)
		reservations = append(reservations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read reservations", err)
	}
	return reservations, nil
}

// GetTransactions returns the most recent transactions of a user, newest first
func (s *sqlStore) GetTransactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC, id`
	args := []interface{}{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, db, query, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get transactions", err)
	}
	defer rows.Close()

	var transactions []*models.CreditTransaction
	for rows.Next() {
		t := &models.CreditTransaction{}
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &kind, &t.Reason, &t.Reference,
			&t.PackageID, &t.AmountPaid, &t.CreatedAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan transaction", err)
		}
		t.Kind = models.TransactionKind(kind)
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read transactions", err)
	}
	return transactions, nil
}

// SumTransactions returns the signed sum of a user's transactions
func (s *sqlStore) SumTransactions(ctx context.Context, userID string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var sum int64
	if err := s.queryRow(ctx, db,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE user_id = ?`, userID).Scan(&sum); err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "Failed to sum transactions", err)
	}
	return sum, nil
}

func (s *sqlStore) insertTransaction(ctx context.Context, q queryer, t *models.CreditTransaction) error {
	if t.ID == "" {
		t.ID = utils.GenerateID()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	_, err := s.exec(ctx, q,
		`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Delta, string(t.Kind), t.Reason, t.Reference, t.PackageID, t.AmountPaid, t.CreatedAt)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to save transaction", err)
	}
	return nil
}
