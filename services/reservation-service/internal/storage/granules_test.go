package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

var (
	claimDay = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	claimAt  = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	lockGranules = regexp.QuoteMeta(`SELECT id FROM granules WHERE id = ANY($1) ORDER BY id FOR UPDATE`)
	// The claim must be gated on both flags in the UPDATE itself.
	claimUpdate = `UPDATE granules\s+SET is_available = false,\s+reservation_id = \$2,[\s\S]+` +
		regexp.QuoteMeta(`WHERE id = ANY($1) AND is_available AND NOT is_blocked_by_admin`) + `\s+RETURNING`
)

var granuleCols = []string{"id", "service_id", "date", "start_minute", "end_minute", "is_available",
	"is_blocked_by_admin", "reservation_id", "version", "updated_at"}

func claimedRows(claimID string, starts ...int) *pgxmock.Rows {
	rows := pgxmock.NewRows(granuleCols)
	for _, m := range starts {
		rows.AddRow(model.GranuleID("consult", claimDay, m), "consult", claimDay, m, m+30, false, false, claimID, int64(1), claimAt)
	}
	return rows
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, nil, ""), mock
}

func claimIDs(starts ...int) []string {
	ids := make([]string, len(starts))
	for i, m := range starts {
		ids[i] = model.GranuleID("consult", claimDay, m)
	}
	return ids
}

func TestClaimGranulesAllOrNothing(t *testing.T) {
	ctx := context.Background()

	t.Run("every granule qualifies", func(t *testing.T) {
		s, mock := newMockStore(t)
		ids := claimIDs(540, 570)
		mock.ExpectBegin()
		mock.ExpectExec(lockGranules).WithArgs(ids).WillReturnResult(pgxmock.NewResult("SELECT", 2))
		mock.ExpectQuery(claimUpdate).WithArgs(ids, "claim-1").WillReturnRows(claimedRows("claim-1", 540, 570))
		mock.ExpectCommit()

		claimed, err := s.ClaimGranules(ctx, ids, "claim-1")
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "claim-1", claimed[0].ReservationID)
		assert.False(t, claimed[1].IsAvailable)
		assert.Equal(t, int64(1), claimed[1].Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("one granule already taken", func(t *testing.T) {
		s, mock := newMockStore(t)
		ids := claimIDs(540, 570)
		mock.ExpectBegin()
		mock.ExpectExec(lockGranules).WithArgs(ids).WillReturnResult(pgxmock.NewResult("SELECT", 2))
		mock.ExpectQuery(claimUpdate).WithArgs(ids, "claim-2").WillReturnRows(claimedRows("claim-2", 540))
		mock.ExpectRollback()

		claimed, err := s.ClaimGranules(ctx, ids, "claim-2")
		require.Error(t, err)
		assert.Nil(t, claimed)
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet(), "short claim must roll back, never commit")
	})

	t.Run("store failure", func(t *testing.T) {
		s, mock := newMockStore(t)
		ids := claimIDs(600)
		mock.ExpectBegin()
		mock.ExpectExec(lockGranules).WithArgs(ids).WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectQuery(claimUpdate).WithArgs(ids, "claim-3").WillReturnError(errors.New("connection reset by peer"))
		mock.ExpectRollback()

		_, err := s.ClaimGranules(ctx, ids, "claim-3")
		assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "connection reset")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin fails", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

		_, err := s.ClaimGranules(ctx, claimIDs(600), "claim-4")
		assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReleaseClaimByToken(t *testing.T) {
	s, mock := newMockStore(t)
	rows := pgxmock.NewRows(granuleCols).
		AddRow(model.GranuleID("consult", claimDay, 540), "consult", claimDay, 540, 570, true, false, "", int64(2), claimAt)
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE granules\s+SET is_available = true,[\s\S]+` + regexp.QuoteMeta(`WHERE reservation_id = $1 AND NOT is_available`)).
		WithArgs("claim-1").WillReturnRows(rows)
	mock.ExpectCommit()

	released, err := s.ReleaseClaim(context.Background(), "claim-1")
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.True(t, released[0].Bookable())
	assert.NoError(t, mock.ExpectationsWereMet())
}
