// Package ledger owns user credit balances. Every balance change goes
// through Reserve, Settle or Credit and is recorded as an immutable
// transaction in the same storage transaction.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/metrics"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/storage"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// Ledger implements credit reservation, settlement and purchases
type Ledger struct {
	store   storage.LedgerStore
	config  config.CreditsConfig
	logger  *logrus.Logger
	metrics *metrics.PrometheusMetrics
	now     func() time.Time
}

// Package is a credit package offered for purchase
type Package struct {
	ID string `json:"id"`
	config.CreditPackage
}

// New creates a ledger over store. metricsManager may be nil.
func New(store storage.LedgerStore, cfg config.CreditsConfig, metricsManager *metrics.Manager) *Ledger {
	l := &Ledger{
		store:  store,
		config: cfg,
		logger: utils.GetLogger(),
		now:    time.Now,
	}
	if metricsManager != nil {
		l.metrics = metricsManager.GetPrometheusMetrics()
	}
	return l
}

// OpenAccount creates the account of a new user with the signup bonus
func (l *Ledger) OpenAccount(ctx context.Context, userID, email string) (*models.Account, error) {
	if userID == "" {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "User id is required", "")
	}

	account := &models.Account{UserID: userID, Email: email, CreatedAt: l.now()}
	var bonus *models.CreditTransaction
	if l.config.SignupBonus > 0 {
		bonus = &models.CreditTransaction{
			ID:     utils.GenerateID(),
			Delta:  l.config.SignupBonus,
			Kind:   models.TransactionPurchase,
			Reason: models.ReasonSignupBonus,
		}
	}

	if err := l.store.CreateAccount(ctx, account, bonus); err != nil {
		return nil, classify("open account", userID, 0, err)
	}

	l.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"bonus":   l.config.SignupBonus,
	}).Info("Credit account opened")
	return account, nil
}

// Account returns the account of a user
func (l *Ledger) Account(ctx context.Context, userID string) (*models.Account, error) {
	account, err := l.store.GetAccount(ctx, userID)
	return account, classify("get account", userID, 0, err)
}

// Transactions returns the most recent transactions of a user
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	txs, err := l.store.GetTransactions(ctx, userID, limit)
	return txs, classify("list transactions", userID, 0, err)
}

// Reserve debits amount from the balance if it is covered, atomically.
// It fails with InsufficientCreditsError and no side effects otherwise.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64, reference string) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Reservation amount must be positive", fmt.Sprint(amount))
	}

	reservation := &models.Reservation{
		ID:        utils.GenerateID(),
		UserID:    userID,
		Amount:    amount,
		Reference: reference,
		CreatedAt: l.now(),
	}

	if _, err := l.store.ReserveCredits(ctx, reservation); err != nil {
		return nil, classify("reserve", userID, amount, err)
	}

	if l.metrics != nil {
		l.metrics.RecordReservation(amount)
	}
	l.logger.WithFields(logrus.Fields{
		"user_id":        userID,
		"reservation_id": reservation.ID,
		"amount":         amount,
		"reference":      reference,
	}).Debug("Credits reserved")
	return reservation, nil
}

// Settle finalizes a reservation at its actual cost, refunding the
// difference. Calling it again with the same amount changes nothing.
func (l *Ledger) Settle(ctx context.Context, reservationID string, actual int64) (*storage.SettleResult, error) {
	result, err := l.store.SettleReservation(ctx, reservationID, actual, l.now())
	if err != nil {
		return nil, classify("settle", "", 0, err)
	}

	if !result.AlreadySettled {
		var refunded int64
		if result.Refund != nil {
			refunded = result.Refund.Delta
		}
		if l.metrics != nil {
			l.metrics.RecordSettlement(result.Reservation.Settled, refunded)
		}
		l.logger.WithFields(logrus.Fields{
			"user_id":        result.Reservation.UserID,
			"reservation_id": reservationID,
			"reserved":       result.Reservation.Amount,
			"used":           result.Reservation.Settled,
			"refunded":       refunded,
		}).Info("Reservation settled")
	}
	return result, nil
}

// SettleWithRetry retries Settle on persistence failures. When the attempts
// run out the reservation stays pending and is logged for reconciliation.
func (l *Ledger) SettleWithRetry(ctx context.Context, reservationID string, actual int64, policy utils.RetryPolicy) (*storage.SettleResult, error) {
	var result *storage.SettleResult
	err := utils.Retry(ctx, policy, IsPersistence, func(attempt int) error {
		var err error
		result, err = l.Settle(ctx, reservationID, actual)
		if err != nil && IsPersistence(err) {
			l.logger.WithFields(logrus.Fields{
				"reservation_id": reservationID,
				"attempt":        attempt,
				"error":          err,
			}).Warn("Settlement attempt failed")
		}
		return err
	})
	if err != nil {
		if l.metrics != nil {
			l.metrics.RecordSettleFailure()
		}
		l.logger.WithFields(logrus.Fields{
			"reservation_id":          reservationID,
			"actual":                  actual,
			"reconciliation_required": true,
			"error":                   err,
		}).Error("Settlement failed; reservation left pending")
		return nil, err
	}
	return result, nil
}

// Credit adds amount to the balance with a purchase-kind transaction
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason string) (*models.Account, error) {
	return l.credit(ctx, &models.CreditTransaction{
		UserID: userID,
		Delta:  amount,
		Kind:   models.TransactionPurchase,
		Reason: reason,
	})
}

// Purchase credits quantity units of a configured package. Payment is
// assumed to have been captured by the caller.
func (l *Ledger) Purchase(ctx context.Context, userID, packageID string, quantity int) (*models.Account, error) {
	pkg, ok := l.config.Packages[packageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, packageID)
	}
	if quantity <= 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Quantity must be positive", fmt.Sprint(quantity))
	}

	return l.credit(ctx, &models.CreditTransaction{
		UserID:     userID,
		Delta:      pkg.Credits * int64(quantity),
		Kind:       models.TransactionPurchase,
		Reason:     models.ReasonPurchase,
		PackageID:  packageID,
		AmountPaid: pkg.PriceCents * int64(quantity),
	})
}

func (l *Ledger) credit(ctx context.Context, tx *models.CreditTransaction) (*models.Account, error) {
	if tx.Delta <= 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Credit amount must be positive", fmt.Sprint(tx.Delta))
	}
	tx.ID = utils.GenerateID()
	tx.CreatedAt = l.now()

	account, err := l.store.CreditAccount(ctx, tx)
	if err != nil {
		return nil, classify("credit", tx.UserID, 0, err)
	}

	l.logger.WithFields(logrus.Fields{
		"user_id":    tx.UserID,
		"amount":     tx.Delta,
		"reason":     tx.Reason,
		"package_id": tx.PackageID,
	}).Info("Credits added")
	return account, nil
}

// Packages lists the purchasable packages ordered by size
func (l *Ledger) Packages() []Package {
	packages := make([]Package, 0, len(l.config.Packages))
	for id, pkg := range l.config.Packages {
		packages = append(packages, Package{ID: id, CreditPackage: pkg})
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Credits < packages[j].Credits })
	return packages
}

// CostPerPage returns the per-page price of an action
func (l *Ledger) CostPerPage(action models.ActionKind) int64 {
	if action == models.ActionReindex {
		return l.config.ReindexCostPerPage
	}
	return l.config.CheckCostPerPage
}
