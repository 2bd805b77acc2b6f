// Package scheduler turns cron schedules into important talks and lets the
// model manage reminders as a tool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	cronv3 "github.com/robfig/cron/v3"

	"companion/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSpeaker is the speaker of scheduled talks.
const DefaultSpeaker = "scheduler"

var parser = cronv3.NewParser(
	cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor,
)

// Job is one scheduled talk. Spec accepts 5 or 6 field cron expressions and
// descriptors such as "@every 1h".
type Job struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
	// Once removes the job after its first run.
	Once bool `json:"once,omitempty"`
}

type Config struct {
	Timezone string `json:"timezone,omitempty"`
	Jobs     []Job  `json:"jobs,omitempty"`
}

// Request is the tool input.
type Request struct {
	Action string `json:"action"` // add, list, remove
	Job
}

// Listing describes one job for the "list" action.
type Listing struct {
	Job
	Next string `json:"next,omitempty"`
}

type Plugin struct {
	conv api.Conversation
	loc  *time.Location

	mu      sync.Mutex
	state   api.PluginState
	jobs    map[string]Job
	order   []string
	cron    *cronv3.Cron
	entries map[string]cronv3.EntryID
	seq     int
}

// New validates every configured job.
func New(cfg Config, conv api.Conversation) (*Plugin, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}

	p := &Plugin{
		conv:    conv,
		loc:     loc,
		state:   api.PluginOffline,
		jobs:    make(map[string]Job),
		entries: make(map[string]cronv3.EntryID),
	}
	for _, job := range cfg.Jobs {
		if _, err := p.Add(job); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Plugin) Priority() int { return 0 }

func (p *Plugin) UpdateStrategy(context.Context) error { return nil }

func (p *Plugin) State(context.Context) (api.PluginState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

// Online starts the cron runner with every known job.
func (p *Plugin) Online(ctx context.Context, _ api.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}

	p.cron = cronv3.New(cronv3.WithParser(parser), cronv3.WithLocation(p.loc))
	for _, name := range p.order {
		if err := p.scheduleLocked(p.jobs[name]); err != nil {
			slog.WarnContext(ctx, "Failed to schedule job", "job", name, "error", err)
		}
	}
	p.cron.Start()
	p.state = api.PluginOnline
	slog.InfoContext(ctx, "Scheduler started", "jobs", len(p.entries))
	return nil
}

// Offline stops the runner and waits for running jobs. Jobs are kept.
func (p *Plugin) Offline(ctx context.Context) error {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.entries = make(map[string]cronv3.EntryID)
	p.state = api.PluginOffline
	p.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plugin) Restart(ctx context.Context, opts api.Options) error {
	if err := p.Offline(ctx); err != nil {
		return err
	}
	return p.Online(ctx, opts)
}

// Add registers job and schedules it when the runner is up. An empty name is
// generated.
func (p *Plugin) Add(job Job) (Job, error) {
	job.Spec = strings.TrimSpace(job.Spec)
	job.Text = strings.TrimSpace(job.Text)
	if job.Text == "" {
		return Job{}, fmt.Errorf("job text is required")
	}
	if _, err := parser.Parse(job.Spec); err != nil {
		return Job{}, fmt.Errorf("invalid schedule %q: %w", job.Spec, err)
	}
	if job.Speaker == "" {
		job.Speaker = DefaultSpeaker
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if job.Name == "" {
		p.seq++
		job.Name = fmt.Sprintf("reminder-%d", p.seq)
	}
	if _, dup := p.jobs[job.Name]; dup {
		return Job{}, fmt.Errorf("job %s already exists", job.Name)
	}
	p.jobs[job.Name] = job
	p.order = append(p.order, job.Name)
	if p.cron != nil {
		if err := p.scheduleLocked(job); err != nil {
			return Job{}, err
		}
	}
	return job, nil
}

// Remove deletes a job by name.
func (p *Plugin) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(name)
}

func (p *Plugin) removeLocked(name string) bool {
	if _, ok := p.jobs[name]; !ok {
		return false
	}
	delete(p.jobs, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if id, ok := p.entries[name]; ok {
		if p.cron != nil {
			p.cron.Remove(id)
		}
		delete(p.entries, name)
	}
	return true
}

// List returns the jobs in insertion order with their next run while online.
func (p *Plugin) List() []Listing {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Listing, 0, len(p.order))
	for _, name := range p.order {
		l := Listing{Job: p.jobs[name]}
		if id, ok := p.entries[name]; ok && p.cron != nil {
			if next := p.cron.Entry(id).Next; !next.IsZero() {
				l.Next = next.Format(time.RFC3339)
			}
		}
		out = append(out, l)
	}
	return out
}

func (p *Plugin) scheduleLocked(job Job) error {
	id, err := p.cron.AddFunc(job.Spec, func() { p.fire(job.Name) })
	if err != nil {
		return err
	}
	p.entries[job.Name] = id
	return nil
}

func (p *Plugin) fire(name string) {
	p.mu.Lock()
	job, ok := p.jobs[name]
	if ok && job.Once {
		p.removeLocked(name)
	}
	p.mu.Unlock()
	if !ok || p.conv == nil {
		return
	}

	slog.Info("Scheduled job fired", "job", name)
	p.conv.Talk(job.Speaker, job.Text, api.TalkOptions{Important: true})
}

// Describe implements api.Describer.
func (p *Plugin) Describe() api.ToolDescription {
	return api.ToolDescription{
		Name:        "scheduler",
		Description: "Manages reminders. A due reminder is spoken to you as an important message.",
		Input: map[string]string{
			"action": "add | list | remove",
			"name":   "reminder name (remove; optional for add)",
			"spec":   `cron expression or descriptor, e.g. "0 30 7 * * *" or "@every 1h" (add)`,
			"text":   "what to say when the reminder fires (add)",
			"once":   "true to fire only once (add)",
		},
		Usage: []string{
			`{"toolName":"scheduler","input":{"action":"add","spec":"@every 30m","text":"Time to stretch.","once":true}}`,
			`{"toolName":"scheduler","input":{"action":"list"}}`,
		},
	}
}

// Send runs one tool request.
func (p *Plugin) Send(_ context.Context, data any) (any, error) {
	var req Request
	if err := decode(data, &req); err != nil {
		return api.Fail(err.Error()), nil
	}

	switch strings.ToLower(req.Action) {
	case "add":
		job, err := p.Add(req.Job)
		if err != nil {
			return api.Fail(err.Error()), nil
		}
		return api.OK(job), nil
	case "list":
		return api.OK(p.List()), nil
	case "remove":
		if !p.Remove(req.Name) {
			return api.Fail("no reminder named " + req.Name), nil
		}
		return api.OK(map[string]string{"removed": req.Name}), nil
	default:
		return api.Fail(fmt.Sprintf("unsupported action: %q", req.Action)), nil
	}
}

func decode(data any, v any) error {
	switch d := data.(type) {
	case jsoniter.RawMessage:
		return json.Unmarshal(d, v)
	case []byte:
		return json.Unmarshal(d, v)
	case string:
		return json.UnmarshalFromString(d, v)
	case nil:
		return fmt.Errorf("missing input")
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	}
}

var (
	_ api.Plugin    = (*Plugin)(nil)
	_ api.Sender    = (*Plugin)(nil)
	_ api.Describer = (*Plugin)(nil)
)
