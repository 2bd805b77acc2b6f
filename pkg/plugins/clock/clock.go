// Package clock provides the getTime and diffTime tools.
package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"companion/pkg/api"
)

// DefaultTimezone is UTC+8.
const DefaultTimezone = 8

type Config struct {
	Timezone *int `json:"timezone,omitempty"`
}

func (c Config) timezone() int {
	if c.Timezone == nil {
		return DefaultTimezone
	}
	return *c.Timezone
}

// service is the lifecycle both tools share.
type service struct {
	name string
	tz   int
	now  func() time.Time

	mu     sync.Mutex
	online bool
}

func (s *service) Priority() int { return 10 }

func (s *service) UpdateStrategy(context.Context) error { return nil }

func (s *service) Online(ctx context.Context, _ api.Options) error {
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	slog.DebugContext(ctx, "Clock tool online", "tool", s.name)
	return nil
}

func (s *service) Offline(context.Context) error {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
	return nil
}

func (s *service) Restart(ctx context.Context, opts api.Options) error {
	_ = s.Offline(ctx)
	return s.Online(ctx, opts)
}

func (s *service) State(context.Context) (api.PluginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online {
		return api.PluginOnline, nil
	}
	return api.PluginOffline, nil
}

func (s *service) ready() *api.ToolResponse {
	st, _ := s.State(context.Background())
	if st != api.PluginOnline {
		return api.Fail(s.name + " is offline")
	}
	return nil
}

// GetTime answers the current time, optionally shifted.
type GetTime struct{ service }

func NewGetTime(cfg Config) *GetTime {
	return &GetTime{service{name: "getTime", tz: cfg.timezone(), now: time.Now}}
}

func (g *GetTime) Describe() api.ToolDescription {
	return api.ToolDescription{
		Name:        "getTime",
		Description: "Current date and time, optionally shifted by an offset.",
		Input: map[string]string{
			"timezone": "hours from UTC (default 8)",
			"Y":        "years to add",
			"M":        "months to add",
			"D":        "days to add",
			"h":        "hours to add",
			"m":        "minutes to add",
			"s":        "seconds to add",
		},
		Output: map[string]string{"result": "YYYY-MM-DD hh:mm:ss (UTC+N)"},
		Usage:  []string{`{"toolName":"getTime","input":{}}`, `{"toolName":"getTime","input":{"D":1}}`},
	}
}

func (g *GetTime) Send(_ context.Context, data any) (any, error) {
	if r := g.ready(); r != nil {
		return r, nil
	}
	opts, err := ParseOptions(data, g.tz)
	if err != nil {
		return api.Fail(err.Error()), nil
	}
	if opts.BaseTime != "" || opts.TargetTime != "" {
		return api.Fail("getTime only works from now; use diffTime for baseTime/targetTime"), nil
	}
	return api.OK(Format(ApplyOffset(g.now(), opts), opts.Timezone)), nil
}

// DiffTime answers the calendar distance between two times.
type DiffTime struct{ service }

func NewDiffTime(cfg Config) *DiffTime {
	return &DiffTime{service{name: "diffTime", tz: cfg.timezone(), now: time.Now}}
}

func (d *DiffTime) Describe() api.ToolDescription {
	return api.ToolDescription{
		Name:        "diffTime",
		Description: "Distance from baseTime (default now) to targetTime.",
		Input: map[string]string{
			"baseTime":   "YYYY-MM-DD hh:mm:ss (optional)",
			"targetTime": "YYYY-MM-DD hh:mm:ss",
			"timezone":   "hours from UTC the times are in (default 8)",
		},
		Output: map[string]string{
			"diff":    "[-]YY-MM-DD hh:mm:ss, negative when targetTime is earlier",
			"seconds": "signed total seconds",
		},
		Usage: []string{`{"toolName":"diffTime","input":{"targetTime":"2026-12-25 00:00:00"}}`},
	}
}

func (d *DiffTime) Send(_ context.Context, data any) (any, error) {
	if r := d.ready(); r != nil {
		return r, nil
	}
	opts, err := ParseOptions(data, d.tz)
	if err != nil {
		return api.Fail(err.Error()), nil
	}
	if opts.TargetTime == "" {
		return api.Fail("targetTime is required"), nil
	}

	base := d.now()
	if opts.BaseTime != "" {
		if base, err = ParseWall(opts.BaseTime, opts.Timezone); err != nil {
			return api.Fail(err.Error()), nil
		}
	}
	target, err := ParseWall(opts.TargetTime, opts.Timezone)
	if err != nil {
		return api.Fail(err.Error()), nil
	}
	return api.OK(Between(base, target)), nil
}

var (
	_ api.Plugin    = (*GetTime)(nil)
	_ api.Sender    = (*GetTime)(nil)
	_ api.Describer = (*GetTime)(nil)
	_ api.Plugin    = (*DiffTime)(nil)
	_ api.Sender    = (*DiffTime)(nil)
	_ api.Describer = (*DiffTime)(nil)
)
