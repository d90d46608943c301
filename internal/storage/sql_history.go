package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

const historyColumns = `id, user_id, site_ids, action, status, message, reservation_id,
	credits_estimated, credits_used, initial_count, processed_count, indexed_count,
	created_at, updated_at, completed_at`

// CreateHistory persists a new history entry
func (s *sqlStore) CreateHistory(ctx context.Context, entry *models.HistoryEntry) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = utils.GenerateID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.CreatedAt

	siteIDs, err := json.Marshal(entry.SiteIDs)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to marshal site ids", err)
	}

	var creditsUsed sql.NullInt64
	if entry.CreditsUsed != nil {
		creditsUsed = sql.NullInt64{Int64: *entry.CreditsUsed, Valid: true}
	}

	_, err = s.exec(ctx, db,
		`INSERT INTO indexing_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, string(siteIDs), string(entry.Action), string(entry.Status), entry.Message,
		entry.ReservationID, entry.CreditsEstimated, creditsUsed,
		entry.InitialCount, entry.ProcessedCount, entry.IndexedCount,
		entry.CreatedAt, entry.UpdatedAt, nullTime(entry.CompletedAt))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to create history entry", err)
	}
	return nil
}

// GetHistory retrieves a history entry with its per-site results
func (s *sqlStore) GetHistory(ctx context.Context, historyID string) (*models.HistoryEntry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	entry, err := s.getHistory(ctx, db, historyID)
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx, db,
		`SELECT site_id, site_name, outcome, message, processed, indexed
		 FROM history_sites WHERE history_id = ? ORDER BY position`, historyID)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get history sites", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.SiteResult
		var outcome string
		if err := rows.Scan(&r.SiteID, &r.SiteName, &outcome, &r.Message, &r.Processed, &r.Indexed); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan history site", err)
		}
		r.Outcome = models.SiteOutcome(outcome)
		entry.Sites = append(entry.Sites, r)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read history sites", err)
	}
	return entry, nil
}

func (s *sqlStore) getHistory(ctx context.Context, q queryer, historyID string) (*models.HistoryEntry, error) {
	rows, err := s.query(ctx, q, `SELECT `+historyColumns+` FROM indexing_history WHERE id = ?`, historyID)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get history entry", err)
	}
	defer rows.Close()

	entries, err := scanHistories(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: history entry %s", ErrNotFound, historyID)
	}
	return entries[0], nil
}

// GetHistories lists history entries, newest first
func (s *sqlStore) GetHistories(ctx context.Context, filter models.HistoryFilter) ([]*models.HistoryEntry, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + historyColumns + ` FROM indexing_history WHERE 1 = 1`
	var args []interface{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, db, query, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get history", err)
	}
	defer rows.Close()

	entries, err := scanHistories(rows)
	if err != nil {
		return nil, err
	}

	if filter.Before == nil {
		return entries, nil
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.UpdatedAt.Before(*filter.Before) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func scanHistories(rows *sql.Rows) ([]*models.HistoryEntry, error) {
	var entries []*models.HistoryEntry
	for rows.Next() {
		e := &models.HistoryEntry{}
		var siteIDs, action, status string
		var creditsUsed sql.NullInt64
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &siteIDs, &action, &status, &e.Message, &e.ReservationID,
			&e.CreditsEstimated, &creditsUsed, &e.InitialCount, &e.ProcessedCount, &e.IndexedCount,
			&e.CreatedAt, &e.UpdatedAt, &completedAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan history entry", err)
		}
		if err := json.Unmarshal([]byte(siteIDs), &e.SiteIDs); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to unmarshal site ids", err)
		}
		e.Action = models.ActionKind(action)
		e.Status = models.HistoryStatus(status)
		if creditsUsed.Valid {
			used := creditsUsed.Int64
			e.CreditsUsed = &used
		}
		e.CompletedAt = timePtr(completedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read history", err)
	}
	return entries, nil
}

// TransitionHistory moves an entry to update.Status. The update is a
// compare-and-swap on the current status, so a terminal entry never reopens
// and two writers cannot both finish the same entry.
func (s *sqlStore) TransitionHistory(ctx context.Context, historyID string, update models.HistoryUpdate) error {
	at := update.At.UTC()
	if update.At.IsZero() {
		at = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getHistory(ctx, tx, historyID)
		if err != nil {
			return err
		}
		if !current.Status.CanTransition(update.Status) {
			return fmt.Errorf("%w: history %s cannot move from %s to %s",
				ErrConflict, historyID, current.Status, update.Status)
		}

		var creditsUsed sql.NullInt64
		var completedAt sql.NullTime
		if update.Status.IsTerminal() {
			creditsUsed = sql.NullInt64{Int64: update.CreditsUsed, Valid: true}
			completedAt = sql.NullTime{Time: at, Valid: true}
		}

		reservationID := current.ReservationID
		if update.ReservationID != "" {
			reservationID = update.ReservationID
		}

		res, err := s.exec(ctx, tx,
			`UPDATE indexing_history SET status = ?, message = ?, reservation_id = ?,
				initial_count = ?, processed_count = ?, indexed_count = ?,
				credits_used = ?, updated_at = ?, completed_at = ?
			 WHERE id = ? AND status = ?`,
			string(update.Status), update.Message, reservationID,
			update.InitialCount, update.ProcessedCount, update.IndexedCount,
			creditsUsed, at, completedAt, historyID, string(current.Status))
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to update history entry", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: history %s changed concurrently", ErrConflict, historyID)
		}

		if !update.Status.IsTerminal() {
			return nil
		}
		for i, r := range update.Sites {
			if _, err := s.exec(ctx, tx,
				`INSERT INTO history_sites (history_id, position, site_id, site_name, outcome, message, processed, indexed)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				historyID, i, r.SiteID, r.SiteName, string(r.Outcome), r.Message, r.Processed, r.Indexed); err != nil {
				return utils.WrapError(utils.ErrCodeDatabase, "Failed to save history site", err)
			}
		}
		return nil
	})
}

// TouchHistory records progress on an unfinished entry
func (s *sqlStore) TouchHistory(ctx context.Context, historyID string, at time.Time) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, db,
		`UPDATE indexing_history SET updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		at.UTC(), historyID, string(models.StatusPending), string(models.StatusProcessing)); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to touch history entry", err)
	}
	return nil
}

// IsNotFound reports whether err means the record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
