package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/apperr"
	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

const serviceColumns = `id, names, duration_minutes, variable_duration, base_fee, currency, is_free, is_active`

func (s *Store) UpsertService(ctx context.Context, svc model.Service) error {
	names, err := json.Marshal(svc.Names)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO services (`+serviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET names = EXCLUDED.names,
			duration_minutes = EXCLUDED.duration_minutes,
			variable_duration = EXCLUDED.variable_duration,
			base_fee = EXCLUDED.base_fee,
			currency = EXCLUDED.currency,
			is_free = EXCLUDED.is_free,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, svc.ID, names, svc.DurationMinutes, svc.VariableDuration, svc.BaseFee, svc.Currency, svc.IsFree, svc.IsActive)
	return classify("upsert service", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (model.Service, error) {
	var (
		svc   model.Service
		names []byte
	)
	if err := row.Scan(&svc.ID, &names, &svc.DurationMinutes, &svc.VariableDuration, &svc.BaseFee, &svc.Currency, &svc.IsFree, &svc.IsActive); err != nil {
		return model.Service{}, err
	}
	if len(names) > 0 {
		if err := json.Unmarshal(names, &svc.Names); err != nil {
			return model.Service{}, err
		}
	}
	return svc, nil
}

func (s *Store) Service(ctx context.Context, id string) (model.Service, error) {
	svc, err := scanService(s.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return model.Service{}, apperr.NotFound("get service", "service %q not found", id)
		}
		return model.Service{}, classify("get service", err)
	}
	return svc, nil
}

func (s *Store) ActiveServices(ctx context.Context) ([]model.Service, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+serviceColumns+` FROM services WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, classify("list services", err)
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, classify("list services", err)
		}
		out = append(out, svc)
	}
	return out, classify("list services", rows.Err())
}

func (s *Store) UpsertTemplate(ctx context.Context, t model.WorkingHoursTemplate) error {
	breaks, err := marshalWindows(t.Breaks)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO working_hours_templates (weekday, start_minute, end_minute, breaks, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (weekday) DO UPDATE
		SET start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			breaks = EXCLUDED.breaks,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, int(t.Weekday), t.StartMinute, t.EndMinute, breaks, t.IsActive)
	return classify("upsert template", err)
}

func (s *Store) WeekdayTemplate(ctx context.Context, wd time.Weekday) (model.WorkingHoursTemplate, bool, error) {
	t := model.WorkingHoursTemplate{Weekday: wd}
	var breaks []byte
	err := s.pool.QueryRow(ctx, `
		SELECT start_minute, end_minute, breaks, is_active
		FROM working_hours_templates
		WHERE weekday = $1
	`, int(wd)).Scan(&t.StartMinute, &t.EndMinute, &breaks, &t.IsActive)
	if err != nil {
		if db.IsNoRows(err) {
			return model.WorkingHoursTemplate{}, false, nil
		}
		return model.WorkingHoursTemplate{}, false, classify("get template", err)
	}
	if t.Breaks, err = unmarshalWindows(breaks); err != nil {
		return model.WorkingHoursTemplate{}, false, err
	}
	return t, true, nil
}

func (s *Store) UpsertOverride(ctx context.Context, o model.WorkingHoursOverride) error {
	breaks, err := marshalWindows(o.Breaks)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO working_hours_overrides (date, is_closed, start_minute, end_minute, breaks, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (date) DO UPDATE
		SET is_closed = EXCLUDED.is_closed,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			breaks = EXCLUDED.breaks,
			note = EXCLUDED.note,
			updated_at = now()
	`, model.NormalizeDate(o.Date), o.IsClosed, o.StartMinute, o.EndMinute, breaks, o.Note)
	return classify("upsert override", err)
}

func (s *Store) DeleteOverride(ctx context.Context, date time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM working_hours_overrides WHERE date = $1`, model.NormalizeDate(date))
	return classify("delete override", err)
}

func (s *Store) OverrideFor(ctx context.Context, date time.Time) (model.WorkingHoursOverride, bool, error) {
	o := model.WorkingHoursOverride{Date: model.NormalizeDate(date)}
	var breaks []byte
	err := s.pool.QueryRow(ctx, `
		SELECT is_closed, start_minute, end_minute, breaks, note
		FROM working_hours_overrides
		WHERE date = $1
	`, o.Date).Scan(&o.IsClosed, &o.StartMinute, &o.EndMinute, &breaks, &o.Note)
	if err != nil {
		if db.IsNoRows(err) {
			return model.WorkingHoursOverride{}, false, nil
		}
		return model.WorkingHoursOverride{}, false, classify("get override", err)
	}
	if o.Breaks, err = unmarshalWindows(breaks); err != nil {
		return model.WorkingHoursOverride{}, false, err
	}
	return o, true, nil
}
