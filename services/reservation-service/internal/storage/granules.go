package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

const granuleColumns = `id, service_id, date, start_minute, end_minute, is_available, is_blocked_by_admin,
	COALESCE(reservation_id, ''), version, updated_at`

func scanGranule(row rowScanner) (model.Granule, error) {
	var g model.Granule
	err := row.Scan(&g.ID, &g.ServiceID, &g.Date, &g.StartMinute, &g.EndMinute, &g.IsAvailable, &g.IsBlockedByAdmin,
		&g.ReservationID, &g.Version, &g.UpdatedAt)
	return g, err
}

func collectGranules(rows pgx.Rows) ([]model.Granule, error) {
	defer rows.Close()
	var out []model.Granule
	for rows.Next() {
		g, err := scanGranule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) ListGranules(ctx context.Context, serviceID string, date time.Time) ([]model.Granule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+granuleColumns+`
		FROM granules
		WHERE service_id = $1 AND date = $2
		ORDER BY start_minute
	`, serviceID, model.NormalizeDate(date))
	if err != nil {
		return nil, classify("list granules", err)
	}
	out, err := collectGranules(rows)
	return out, classify("list granules", err)
}

func (s *Store) GetGranule(ctx context.Context, id string) (model.Granule, error) {
	g, err := scanGranule(s.pool.QueryRow(ctx, `SELECT `+granuleColumns+` FROM granules WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return model.Granule{}, apperr.NotFound("get granule", "granule %q not found", id)
		}
		return model.Granule{}, classify("get granule", err)
	}
	return g, nil
}

// EnsureGranules inserts missing rows as available. Existing rows are untouched.
func (s *Store) EnsureGranules(ctx context.Context, granules []model.Granule) error {
	if len(granules) == 0 {
		return nil
	}
	var (
		ids      = make([]string, len(granules))
		services = make([]string, len(granules))
		dates    = make([]time.Time, len(granules))
		starts   = make([]int32, len(granules))
		ends     = make([]int32, len(granules))
	)
	for i, g := range granules {
		ids[i] = g.ID
		services[i] = g.ServiceID
		dates[i] = model.NormalizeDate(g.Date)
		starts[i] = int32(g.StartMinute)
		ends[i] = int32(g.EndMinute)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO granules (id, service_id, date, start_minute, end_minute)
		SELECT * FROM unnest($1::text[], $2::text[], $3::date[], $4::int[], $5::int[])
		ON CONFLICT DO NOTHING
	`, ids, services, dates, starts, ends)
	return classify("ensure granules", err)
}

// ClaimGranules flips every id from bookable to unavailable in one
// transaction. Rows are locked in id order; if fewer than len(ids) rows
// qualify the transaction rolls back and a conflict is returned.
func (s *Store) ClaimGranules(ctx context.Context, ids []string, claimID string) ([]model.Granule, error) {
	var claimed []model.Granule
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT id FROM granules WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			UPDATE granules
			SET is_available = false,
				reservation_id = $2,
				claimed_at = now(),
				version = version + 1,
				updated_at = now()
			WHERE id = ANY($1) AND is_available AND NOT is_blocked_by_admin
			RETURNING `+granuleColumns, ids, claimID)
		if err != nil {
			return err
		}
		claimed, err = collectGranules(rows)
		if err != nil {
			return err
		}
		if len(claimed) < len(ids) {
			return apperr.Conflict("claim granules", "this time was just taken")
		}
		return s.emitGranules(ctx, tx, claimed)
	})
	if err != nil {
		return nil, classify("claim granules", err)
	}
	return claimed, nil
}

// ReleaseClaim makes the granules held by claimID available again.
func (s *Store) ReleaseClaim(ctx context.Context, claimID string) ([]model.Granule, error) {
	var released []model.Granule
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		released, err = releaseTx(ctx, tx, claimID)
		if err != nil {
			return err
		}
		return s.emitGranules(ctx, tx, released)
	})
	return released, classify("release claim", err)
}

func releaseTx(ctx context.Context, tx pgx.Tx, claimID string) ([]model.Granule, error) {
	rows, err := tx.Query(ctx, `
		UPDATE granules
		SET is_available = true,
			reservation_id = NULL,
			claimed_at = NULL,
			version = version + 1,
			updated_at = now()
		WHERE reservation_id = $1 AND NOT is_available
		RETURNING `+granuleColumns, claimID)
	if err != nil {
		return nil, err
	}
	return collectGranules(rows)
}

func (s *Store) SetBlocked(ctx context.Context, ids []string, blocked bool) ([]model.Granule, error) {
	var changed []model.Granule
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE granules
			SET is_blocked_by_admin = $2,
				version = version + 1,
				updated_at = now()
			WHERE id = ANY($1) AND is_blocked_by_admin <> $2
			RETURNING `+granuleColumns, ids, blocked)
		if err != nil {
			return err
		}
		if changed, err = collectGranules(rows); err != nil {
			return err
		}
		return s.emitGranules(ctx, tx, changed)
	})
	return changed, classify("set blocked", err)
}

// ReleaseOrphanClaims frees granules claimed before cutoff whose reservation
// row never appeared.
func (s *Store) ReleaseOrphanClaims(ctx context.Context, cutoff time.Time) ([]model.Granule, error) {
	var released []model.Granule
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE granules g
			SET is_available = true,
				reservation_id = NULL,
				claimed_at = NULL,
				version = g.version + 1,
				updated_at = now()
			WHERE g.reservation_id IS NOT NULL
				AND NOT g.is_available
				AND g.claimed_at < $1
				AND NOT EXISTS (SELECT 1 FROM reservations r WHERE r.id = g.reservation_id)
			RETURNING `+granuleColumns, cutoff)
		if err != nil {
			return err
		}
		if released, err = collectGranules(rows); err != nil {
			return err
		}
		return s.emitGranules(ctx, tx, released)
	})
	return released, classify("release orphan claims", err)
}
