package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/slotengine/libs/auth"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/memstore"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/pricing"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/propagation"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/reservation"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/summary"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/workinghours"
)

const adminSecret = "admin-secret"

type env struct {
	mux      *http.ServeMux
	store    *memstore.Store
	verifier *auth.Verifier
}

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	started := time.Now()
	clock := func() time.Time { return base.Add(time.Since(started)) }

	store := memstore.New(clock)
	require.NoError(t, store.UpsertService(ctx, model.Service{ID: "consult", DurationMinutes: 30, BaseFee: 100, Currency: "BDT", IsActive: true}))
	require.NoError(t, store.UpsertService(ctx, model.Service{ID: "workshop", VariableDuration: true, IsFree: true, IsActive: true}))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		require.NoError(t, store.UpsertTemplate(ctx, model.WorkingHoursTemplate{Weekday: wd, StartMinute: 540, EndMinute: 720, IsActive: true}))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	agg := availability.NewAggregator(store, store, workinghours.NewResolver(store), availability.Config{GranuleMinutes: 30, Now: clock})
	prices := pricing.NewCalculator(pricing.DefaultPolicy(), time.UTC)
	hub := propagation.NewHub(logger)
	coord := reservation.NewCoordinator(agg, store, store, prices, hub, logger, reservation.Config{ClaimTimeout: time.Second})
	h := New(agg, coord, summary.NewSummarizer(agg), prices, hub, store, logger, StreamConfig{Grace: 2 * time.Second, Heartbeat: time.Second})

	verifier := auth.NewVerifier(adminSecret, "")
	mux := http.NewServeMux()
	h.Register(mux, auth.RequireRole(verifier, auth.RoleAdmin))
	return env{mux: mux, store: store, verifier: verifier}
}

func (e env) do(t *testing.T, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e env) adminToken(t *testing.T) string {
	t.Helper()
	tok, err := e.verifier.Sign(auth.Claims{
		Role:             auth.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	require.NoError(t, err)
	return tok
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func reserveBody(serviceID, start, end string) map[string]any {
	return map[string]any{
		"service_id":    serviceID,
		"date":          "2026-10-18",
		"start":         start,
		"end":           end,
		"customer_name": "Nadia",
	}
}

func TestSlotsAndWorkingHours(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/public/slots?service_id=consult&date=2026-10-18", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	slots := decode[slotsResponse](t, rec)
	assert.Equal(t, 30, slots.DurationMinutes)
	require.Len(t, slots.Slots, 6)
	assert.Equal(t, "09:00", slots.Slots[0].Start)
	assert.True(t, slots.Slots[0].Available)

	rec = e.do(t, http.MethodGet, "/api/v1/public/working-hours?date=2026-10-18", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	hours := decode[workingHoursResponse](t, rec)
	assert.True(t, hours.IsOpen)
	assert.Equal(t, "09:00", hours.Start)
	assert.Equal(t, "12:00", hours.End)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots?service_id=consult&date=2026-10-18&duration=45", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots?service_id=nope&date=2026-10-18", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/public/slots", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReserveThenConflictOffersAlternative(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("consult", "10:00", "10:30"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ok := decode[reserveResponse](t, rec)
	require.True(t, ok.Success)
	require.NotNil(t, ok.Reservation)
	assert.Equal(t, int64(300), ok.Reservation.Fee)
	assert.Equal(t, "pending", ok.Reservation.PaymentStatus)

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("consult", "10:00", "10:30"), "")
	require.Equal(t, http.StatusConflict, rec.Code)
	lost := decode[reserveResponse](t, rec)
	assert.False(t, lost.Success)
	require.NotNil(t, lost.Error)
	assert.Equal(t, "conflict", lost.Error.Code)
	require.NotNil(t, lost.Alternative)
	assert.Equal(t, "09:30", lost.Alternative.Start)
	assert.False(t, lost.ChooseAnotherDate)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots/check?granule_id="+ok.Reservation.GranuleIDs[0], nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available":false`)
}

func TestCheckSlot(t *testing.T) {
	e := newEnv(t)
	id := model.GranuleID("consult", time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), 600)

	rec := e.do(t, http.MethodGet, "/api/v1/public/slots/check?granule_id="+id+"&service_id=consult&date=2026-10-18", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"available":true`)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots/check?granule_id="+id, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots/check?granule_id=definitely-not-a-granule", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots/check?granule_id="+id+"&service_id=consult&date=tomorrow", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReserveWholeDayLeavesNoAlternative(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("workshop", "09:00", "12:00"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "not_required", decode[reserveResponse](t, rec).Reservation.PaymentStatus)

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("workshop", "09:00", "12:00"), "")
	require.Equal(t, http.StatusConflict, rec.Code)
	lost := decode[reserveResponse](t, rec)
	assert.Nil(t, lost.Alternative)
	assert.True(t, lost.ChooseAnotherDate)

	rec = e.do(t, http.MethodGet, "/api/v1/public/calendar/unavailable?start=2026-10-18&end=2026-10-19&service_id=workshop", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `{"date":"2026-10-18","reason":"fully_booked"}`)
}

func TestReserveValidation(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/reservations", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := reserveBody("consult", "10:00", "10:30")
	body["customer_name"] = "  "
	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations", body, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[reserveResponse](t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "validation", resp.Error.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("consult", "10:00", "11:00"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("consult", "10:10", "10:40"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelReservation(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("consult", "11:00", "11:30"), "")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[reserveResponse](t, rec).Reservation.ID

	for i := 0; i < 2; i++ {
		rec = e.do(t, http.MethodPost, "/api/v1/public/reservations/cancel", map[string]string{"reservation_id": id, "reason": "sick"}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		item := decode[reservationItem](t, rec)
		assert.Equal(t, "cancelled", item.Status)
		assert.Equal(t, "sick", item.CancelReason)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations/cancel", map[string]string{"reservation_id": "missing"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("consult", "11:00", "11:30"), "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCancelRequiresBookingEmail(t *testing.T) {
	e := newEnv(t)
	body := reserveBody("consult", "09:30", "10:00")
	body["customer_email"] = "nadia@example.com"
	rec := e.do(t, http.MethodPost, "/api/v1/public/reservations", body, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[reserveResponse](t, rec).Reservation.ID

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations/cancel", map[string]string{"reservation_id": id}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations/cancel", map[string]string{"reservation_id": id, "customer_email": "someone@example.com"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	res, err := e.store.GetReservation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, res.Status)

	rec = e.do(t, http.MethodPost, "/api/v1/public/reservations/cancel", map[string]string{"reservation_id": id, "customer_email": " Nadia@Example.com "}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode[reservationItem](t, rec).Status)
}

func TestNearestAndPrice(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/public/slots/nearest?service_id=consult&date=2026-10-18&from=10:00", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "09:30", decode[slotItem](t, rec).Start)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots/nearest?service_id=consult&date=2026-10-18&from=ten", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/public/price?service_id=consult&date=2026-10-30", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	price := decode[priceResponse](t, rec)
	assert.Equal(t, 13, price.LeadDays)
	assert.Equal(t, int64(100), price.Fee)

	rec = e.do(t, http.MethodGet, "/api/v1/public/price?service_id=workshop&date=2026-10-18", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decode[priceResponse](t, rec).Fee)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	e := newEnv(t)
	block := map[string]any{"service_id": "consult", "date": "2026-10-18", "starts": []string{"10:00"}}

	rec := e.do(t, http.MethodPost, "/api/v1/admin/granules/block", block, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := e.adminToken(t)
	rec = e.do(t, http.MethodPost, "/api/v1/admin/granules/block", block, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"is_blocked_by_admin":true`)

	rec = e.do(t, http.MethodGet, "/api/v1/public/slots?service_id=consult&date=2026-10-18", nil, "")
	slots := decode[slotsResponse](t, rec)
	assert.False(t, slots.Slots[2].Available)

	rec = e.do(t, http.MethodPost, "/api/v1/admin/granules/unblock", block, token)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/public/slots?service_id=consult&date=2026-10-18", nil, "")
	assert.True(t, decode[slotsResponse](t, rec).Slots[2].Available)

	bad := map[string]any{"service_id": "consult", "date": "2026-10-18", "starts": []string{"10:15"}}
	rec = e.do(t, http.MethodPost, "/api/v1/admin/granules/block", bad, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminScheduleEdits(t *testing.T) {
	e := newEnv(t)
	token := e.adminToken(t)

	rec := e.do(t, http.MethodPut, "/api/v1/admin/working-hours/override", map[string]any{
		"date": "2026-10-20", "closed": true, "note": "Public holiday",
	}, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/public/calendar/unavailable.ics?start=2026-10-18&end=2026-10-25", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	assert.Contains(t, rec.Body.String(), "BEGIN:VCALENDAR")
	assert.Contains(t, rec.Body.String(), "Public holiday")

	rec = e.do(t, http.MethodPut, "/api/v1/admin/working-hours/template", map[string]any{
		"weekday": "sunday", "start": "10:00", "end": "12:00",
		"breaks": []map[string]string{{"start": "11:00", "end": "11:30"}},
	}, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 2026-10-18 is a Sunday.
	rec = e.do(t, http.MethodGet, "/api/v1/public/calendar/counts?service_id=consult&start=2026-10-18&end=2026-10-20", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts struct {
		Counts []countItem `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Len(t, counts.Counts, 3)
	assert.Equal(t, countItem{Date: "2026-10-18", Available: 3, Total: 3}, counts.Counts[0])
	assert.Equal(t, countItem{Date: "2026-10-19", Available: 6, Total: 6}, counts.Counts[1])
	assert.Equal(t, countItem{Date: "2026-10-20", Available: 0, Total: 0}, counts.Counts[2])

	rec = e.do(t, http.MethodPut, "/api/v1/admin/working-hours/override", map[string]any{"date": "2026-10-20", "delete": true}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/v1/public/calendar/unavailable?start=2026-10-20&end=2026-10-20", nil, "")
	assert.Contains(t, rec.Body.String(), `"dates":[]`)

	rec = e.do(t, http.MethodPut, "/api/v1/admin/working-hours/template", map[string]any{"weekday": "someday"}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamPushesBookings(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/public/slots/stream?service_id=consult&date=2026-10-18&selected=10:00", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan propagation.Snapshot, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var snap propagation.Snapshot
			if json.Unmarshal([]byte(data), &snap) == nil {
				events <- snap
			}
		}
	}()

	first := <-events
	require.Len(t, first.Slots, 6)
	assert.Equal(t, "10:00", first.Selected)

	rec := e.do(t, http.MethodPost, "/api/v1/public/reservations", reserveBody("consult", "10:00", "10:30"), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	for snap := range events {
		if snap.Warning == nil {
			continue
		}
		assert.Equal(t, "selection_taken", snap.Warning.Code)
		assert.Empty(t, snap.Selected)
		assert.Equal(t, propagation.StateJustBooked, snap.Slots[2].State)
		return
	}
	t.Fatal("stream ended without a selection warning")
}
