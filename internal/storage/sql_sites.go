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

const siteColumns = `id, user_id, name, url, property_id, total_pages, indexed_pages,
	last_scan_status, last_scan_message, last_scan_at,
	last_reindex_status, last_reindex_message, last_reindex_at,
	created_at, updated_at`

const pageColumns = `id, site_id, url, indexed, status, last_checked_at, last_reindex_requested_at, updated_at`

// CreateSite saves a new site. A user cannot register the same URL twice.
func (s *sqlStore) CreateSite(ctx context.Context, site *models.Site) error {
	now := time.Now().UTC()
	if site.ID == "" {
		site.ID = utils.GenerateID()
	}
	site.CreatedAt = now
	site.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := s.queryRow(ctx, tx, "SELECT id FROM sites WHERE user_id = ? AND url = ?", site.UserID, site.URL).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: site %s already registered", ErrConflict, site.URL)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to check site", err)
		}

		_, err = s.exec(ctx, tx,
			`INSERT INTO sites (`+siteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			site.ID, site.UserID, site.Name, site.URL, site.PropertyID, site.TotalPages, site.IndexedPages,
			site.LastScanStatus, site.LastScanMessage, nullTime(site.LastScanAt),
			site.LastReindexStatus, site.LastReindexMessage, nullTime(site.LastReindexAt),
			site.CreatedAt, site.UpdatedAt)
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to create site", err)
		}
		return nil
	})
}

// GetSite retrieves a site owned by userID
func (s *sqlStore) GetSite(ctx context.Context, userID, siteID string) (*models.Site, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx, db, `SELECT `+siteColumns+` FROM sites WHERE id = ? AND user_id = ?`, siteID, userID)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get site", err)
	}
	defer rows.Close()

	sites, err := scanSites(rows)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: site %s", ErrNotFound, siteID)
	}
	return sites[0], nil
}

// GetSites lists the sites of a user
func (s *sqlStore) GetSites(ctx context.Context, userID string) ([]*models.Site, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := s.query(ctx, db, `SELECT `+siteColumns+` FROM sites WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get sites", err)
	}
	defer rows.Close()
	return scanSites(rows)
}

func scanSites(rows *sql.Rows) ([]*models.Site, error) {
	var sites []*models.Site
	for rows.Next() {
		site := &models.Site{}
		var scanAt, reindexAt sql.NullTime
		if err := rows.Scan(&site.ID, &site.UserID, &site.Name, &site.URL, &site.PropertyID,
			&site.TotalPages, &site.IndexedPages,
			&site.LastScanStatus, &site.LastScanMessage, &scanAt,
			&site.LastReindexStatus, &site.LastReindexMessage, &reindexAt,
			&site.CreatedAt, &site.UpdatedAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan site", err)
		}
		site.LastScanAt = timePtr(scanAt)
		site.LastReindexAt = timePtr(reindexAt)
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read sites", err)
	}
	return sites, nil
}

// DeleteSite removes a site and its pages. History entries are kept.
func (s *sqlStore) DeleteSite(ctx context.Context, userID, siteID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, "DELETE FROM sites WHERE id = ? AND user_id = ?", siteID, userID)
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to delete site", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: site %s", ErrNotFound, siteID)
		}
		if _, err := s.exec(ctx, tx, "DELETE FROM pages WHERE site_id = ?", siteID); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to delete pages", err)
		}
		return nil
	})
}

// UpdateSiteCounters stores the aggregate page counts
func (s *sqlStore) UpdateSiteCounters(ctx context.Context, siteID string, counters models.SiteCounters) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, db,
		`UPDATE sites SET total_pages = ?, indexed_pages = ?, updated_at = ? WHERE id = ?`,
		counters.TotalPages, counters.IndexedPages, time.Now().UTC(), siteID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update site counters", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: site %s", ErrNotFound, siteID)
	}
	return nil
}

// UpdateSiteStatus records the outcome of the latest action of a kind
func (s *sqlStore) UpdateSiteStatus(ctx context.Context, siteID string, update models.SiteStatusUpdate) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	query := `UPDATE sites SET last_scan_status = ?, last_scan_message = ?, last_scan_at = ?, updated_at = ? WHERE id = ?`
	if update.Action == models.ActionReindex {
		query = `UPDATE sites SET last_reindex_status = ?, last_reindex_message = ?, last_reindex_at = ?, updated_at = ? WHERE id = ?`
	}

	at := update.At.UTC()
	res, err := s.exec(ctx, db, query, update.Status, update.Message, at, time.Now().UTC(), siteID)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update site status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: site %s", ErrNotFound, siteID)
	}
	return nil
}

// UpsertPages inserts or replaces pages keyed by (site, URL)
func (s *sqlStore) UpsertPages(ctx context.Context, pages []*models.Page) error {
	if len(pages) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, page := range pages {
			if page.ID == "" {
				page.ID = utils.GenerateID()
			}
			page.UpdatedAt = page.UpdatedAt.UTC()
			if page.UpdatedAt.IsZero() {
				page.UpdatedAt = time.Now().UTC()
			}

			_, err := s.exec(ctx, tx,
				`INSERT INTO pages (`+pageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (site_id, url) DO UPDATE SET
					indexed = excluded.indexed,
					status = excluded.status,
					last_checked_at = COALESCE(excluded.last_checked_at, pages.last_checked_at),
					last_reindex_requested_at = COALESCE(excluded.last_reindex_requested_at, pages.last_reindex_requested_at),
					updated_at = excluded.updated_at`,
				page.ID, page.SiteID, page.URL, page.Indexed, page.Status,
				nullTime(page.LastCheckedAt), nullTime(page.LastReindexRequest), page.UpdatedAt)
			if err != nil {
				return utils.WrapError(utils.ErrCodeDatabase, "Failed to upsert page", err)
			}
		}
		return nil
	})
}

// GetPages returns the pages of a site matching filter, ordered by URL
func (s *sqlStore) GetPages(ctx context.Context, filter PageFilter) ([]*models.Page, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + pageColumns + ` FROM pages WHERE site_id = ?`
	args := []interface{}{filter.SiteID}

	if len(filter.URLs) > 0 {
		query += " AND url IN (" + placeholders(len(filter.URLs)) + ")"
		for _, u := range filter.URLs {
			args = append(args, u)
		}
	}
	if filter.Indexed != nil {
		query += " AND indexed = ?"
		args = append(args, *filter.Indexed)
	}
	query += " ORDER BY url"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, db, query, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get pages", err)
	}
	defer rows.Close()

	var pages []*models.Page
	for rows.Next() {
		page := &models.Page{}
		var checkedAt, reindexAt sql.NullTime
		if err := rows.Scan(&page.ID, &page.SiteID, &page.URL, &page.Indexed, &page.Status,
			&checkedAt, &reindexAt, &page.UpdatedAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan page", err)
		}
		page.LastCheckedAt = timePtr(checkedAt)
		page.LastReindexRequest = timePtr(reindexAt)
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read pages", err)
	}
	return pages, nil
}

// CountPages counts the known and indexed pages of a site
func (s *sqlStore) CountPages(ctx context.Context, siteID string) (models.SiteCounters, error) {
	var counters models.SiteCounters
	db, err := s.conn()
	if err != nil {
		return counters, err
	}

	err = s.queryRow(ctx, db,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN indexed THEN 1 ELSE 0 END), 0) FROM pages WHERE site_id = ?`,
		siteID).Scan(&counters.TotalPages, &counters.IndexedPages)
	if err != nil {
		return counters, utils.WrapError(utils.ErrCodeDatabase, "Failed to count pages", err)
	}
	return counters, nil
}
