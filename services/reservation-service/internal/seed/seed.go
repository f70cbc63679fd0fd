// Package seed loads the schedule file: services, weekday templates and
// date overrides, including recurring closures.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
	"gopkg.in/yaml.v3"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

type File struct {
	Services        []ServiceConfig  `yaml:"services"`
	WorkingHours    []TemplateConfig `yaml:"working_hours"`
	OverrideConfigs []OverrideConfig `yaml:"overrides"`
}

type ServiceConfig struct {
	ID               string            `yaml:"id"`
	Names            map[string]string `yaml:"names"`
	DurationMinutes  int               `yaml:"duration_minutes"`
	VariableDuration bool              `yaml:"variable_duration"`
	BaseFee          int64             `yaml:"base_fee"`
	Currency         string            `yaml:"currency"`
	Free             bool              `yaml:"free"`
	Active           *bool             `yaml:"active"`
}

type BreakConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type TemplateConfig struct {
	Days   []string      `yaml:"days"`
	Start  string        `yaml:"start"`
	End    string        `yaml:"end"`
	Breaks []BreakConfig `yaml:"breaks"`
	Closed bool          `yaml:"closed"`
}

// OverrideConfig is either a single date or an RRULE; recurrence is only
// accepted for closures.
type OverrideConfig struct {
	Date   string        `yaml:"date"`
	RRule  string        `yaml:"rrule"`
	Closed bool          `yaml:"closed"`
	Start  string        `yaml:"start"`
	End    string        `yaml:"end"`
	Breaks []BreakConfig `yaml:"breaks"`
	Note   string        `yaml:"note"`
}

type Writer interface {
	UpsertService(ctx context.Context, svc model.Service) error
	UpsertTemplate(ctx context.Context, t model.WorkingHoursTemplate) error
	UpsertOverride(ctx context.Context, o model.WorkingHoursOverride) error
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read schedule file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse schedule file: %w", err)
	}
	return f, nil
}

func (f File) ServiceModels() ([]model.Service, error) {
	out := make([]model.Service, 0, len(f.Services))
	for i, s := range f.Services {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fmt.Errorf("services[%d]: id is required", i)
		}
		if !s.VariableDuration && s.DurationMinutes <= 0 {
			return nil, fmt.Errorf("services[%d]: duration_minutes is required for fixed-duration services", i)
		}
		active := true
		if s.Active != nil {
			active = *s.Active
		}
		out = append(out, model.Service{
			ID:               id,
			Names:            s.Names,
			DurationMinutes:  s.DurationMinutes,
			VariableDuration: s.VariableDuration,
			BaseFee:          s.BaseFee,
			Currency:         strings.ToUpper(strings.TrimSpace(s.Currency)),
			IsFree:           s.Free || s.BaseFee == 0,
			IsActive:         active,
		})
	}
	return out, nil
}

func (f File) Templates() ([]model.WorkingHoursTemplate, error) {
	var out []model.WorkingHoursTemplate
	seen := map[time.Weekday]bool{}
	for i, tc := range f.WorkingHours {
		tpl := model.WorkingHoursTemplate{IsActive: !tc.Closed}
		if !tc.Closed {
			w, err := window(tc.Start, tc.End)
			if err != nil {
				return nil, fmt.Errorf("working_hours[%d]: %w", i, err)
			}
			tpl.StartMinute, tpl.EndMinute = w.StartMinute, w.EndMinute
			if tpl.Breaks, err = breaks(tc.Breaks); err != nil {
				return nil, fmt.Errorf("working_hours[%d]: %w", i, err)
			}
		}
		if len(tc.Days) == 0 {
			return nil, fmt.Errorf("working_hours[%d]: days is required", i)
		}
		for _, name := range tc.Days {
			wd, err := ParseWeekday(name)
			if err != nil {
				return nil, fmt.Errorf("working_hours[%d]: %w", i, err)
			}
			if seen[wd] {
				return nil, fmt.Errorf("working_hours[%d]: %s defined twice", i, wd)
			}
			seen[wd] = true
			t := tpl
			t.Weekday = wd
			out = append(out, t)
		}
	}
	return out, nil
}

// Overrides expands the configured overrides into dated rows. Recurring
// closures are materialized for [from, from+days).
func (f File) Overrides(from time.Time, days int) ([]model.WorkingHoursOverride, error) {
	from = model.NormalizeDate(from)
	until := from.AddDate(0, 0, days)

	var out []model.WorkingHoursOverride
	for i, oc := range f.OverrideConfigs {
		base := model.WorkingHoursOverride{IsClosed: oc.Closed, Note: strings.TrimSpace(oc.Note)}
		if !oc.Closed {
			w, err := window(oc.Start, oc.End)
			if err != nil {
				return nil, fmt.Errorf("overrides[%d]: %w", i, err)
			}
			base.StartMinute, base.EndMinute = w.StartMinute, w.EndMinute
			if base.Breaks, err = breaks(oc.Breaks); err != nil {
				return nil, fmt.Errorf("overrides[%d]: %w", i, err)
			}
		}

		if strings.TrimSpace(oc.RRule) == "" {
			d, err := model.ParseDate(oc.Date)
			if err != nil {
				return nil, fmt.Errorf("overrides[%d]: %w", i, err)
			}
			base.Date = d
			out = append(out, base)
			continue
		}

		if !oc.Closed {
			return nil, fmt.Errorf("overrides[%d]: rrule is only supported for closures", i)
		}
		r, err := rrule.StrToRRule(oc.RRule)
		if err != nil {
			return nil, fmt.Errorf("overrides[%d]: invalid rrule: %w", i, err)
		}
		start := from
		if oc.Date != "" {
			if start, err = model.ParseDate(oc.Date); err != nil {
				return nil, fmt.Errorf("overrides[%d]: %w", i, err)
			}
		}
		r.DTStart(start)
		for _, occ := range r.Between(from, until, true) {
			if !occ.Before(until) {
				continue
			}
			o := base
			o.Date = model.NormalizeDate(occ)
			out = append(out, o)
		}
	}
	return out, nil
}

// Apply writes the whole file. Re-applying is idempotent.
func Apply(ctx context.Context, w Writer, f File, from time.Time, days int, logger *slog.Logger) error {
	services, err := f.ServiceModels()
	if err != nil {
		return err
	}
	templates, err := f.Templates()
	if err != nil {
		return err
	}
	overrides, err := f.Overrides(from, days)
	if err != nil {
		return err
	}

	for _, s := range services {
		if err := w.UpsertService(ctx, s); err != nil {
			return fmt.Errorf("seed service %s: %w", s.ID, err)
		}
	}
	for _, t := range templates {
		if err := w.UpsertTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.Weekday, err)
		}
	}
	for _, o := range overrides {
		if err := w.UpsertOverride(ctx, o); err != nil {
			return fmt.Errorf("seed override %s: %w", model.FormatDate(o.Date), err)
		}
	}
	logger.Info("schedule applied", "services", len(services), "templates", len(templates), "overrides", len(overrides))
	return nil
}

func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if key == name || key == name[:3] {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

func window(start, end string) (model.Window, error) {
	s, err := model.ParseClock(start)
	if err != nil {
		return model.Window{}, err
	}
	e, err := model.ParseClock(end)
	if err != nil {
		return model.Window{}, err
	}
	w := model.Window{StartMinute: s, EndMinute: e}
	if !w.Valid() {
		return model.Window{}, fmt.Errorf("%s-%s is not a valid time range", start, end)
	}
	return w, nil
}

func breaks(in []BreakConfig) ([]model.Window, error) {
	var out []model.Window
	for _, b := range in {
		w, err := window(b.Start, b.End)
		if err != nil {
			return nil, fmt.Errorf("break: %w", err)
		}
		out = append(out, w)
	}
	return out, nil
}
