// Package scenario runs built-in programs that exercise copy-on-write
// fork on a fresh kernel and reports what each environment observed.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kahiteam/cowfork/internal/cow"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/mmu"
)

// ErrUnknown is returned for a program name that is not registered.
var ErrUnknown = errors.New("unknown scenario")

// Config sizes the kernel booted for every run.
type Config struct {
	Frames  int
	MaxEnvs int
	History int
	Layout  mmu.Layout
	Exclude []mmu.Addr
	Timeout time.Duration
	Keep    int // reports retained by Reports
}

// Runner boots a kernel per scenario and keeps recent reports.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	reports []*Report
}

// NewRunner creates a runner. Events from every run are forwarded to bus
// when it is non-nil.
func NewRunner(cfg Config, logger *slog.Logger, bus *events.Bus) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 32
	}
	return &Runner{cfg: cfg, logger: logger, bus: bus}
}

// Run executes the named scenario to completion.
func (r *Runner) Run(ctx context.Context, name string) (*Report, error) {
	prog, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	cfg := r.config()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logger := r.logger.With("scenario", name)
	bus := events.NewBus(logger)
	var forks, copies int
	bus.Subscribe(events.ForkCompleted, func(events.Event) { forks++ })
	bus.Subscribe(events.PageCopied, func(events.Event) { copies++ })
	if r.bus != nil {
		for _, t := range events.Types {
			bus.Subscribe(t, r.bus.Publish)
		}
	}

	k, err := kernel.New(kernel.Config{
		Frames:  cfg.Frames,
		MaxEnvs: cfg.MaxEnvs,
		History: cfg.History,
		Layout:  cfg.Layout,
		Bus:     bus,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	rep := &Report{Scenario: name, StartedAt: time.Now()}
	var c *Context
	var progErr error
	_, err = k.Spawn(bootImage(k.Layout()), func(id kernel.EnvID) error {
		c = &Context{
			Proc: cow.New(k, id, cow.Options{Exclude: cfg.Exclude, Logger: logger, Bus: bus}),
			k:    k,
		}
		progErr = prog.run(c)
		return progErr
	})
	if err != nil {
		return nil, fmt.Errorf("boot %s: %w", name, err)
	}

	logger.Info("scenario started")
	runErr := k.Run(ctx)
	rep.Duration = time.Since(rep.StartedAt)

	if c != nil {
		rep.Checks = c.checks
	}
	switch {
	case runErr != nil:
		rep.Error = runErr.Error()
	case progErr != nil:
		rep.Error = progErr.Error()
	case c == nil:
		rep.Error = "root environment never ran"
	}
	rep.Memory = k.MemStats()
	rep.Checks = append(rep.Checks, Check{
		Name:   "all frames released",
		Passed: rep.Memory.InUse == 0,
		Detail: fmt.Sprintf("%d in use", rep.Memory.InUse),
	})
	for _, h := range k.History() {
		rep.Envs = append(rep.Envs, EnvReport{
			ID:       h.ID,
			Parent:   h.Parent,
			Killed:   h.Killed,
			Cause:    h.Cause,
			Faults:   h.Faults,
			Mappings: h.Mappings,
		})
		rep.Faults += h.Faults
	}
	rep.Forks = forks
	rep.Copies = copies
	rep.Passed = rep.Error == "" && len(rep.Failed()) == 0

	logger.Info("scenario finished", "passed", rep.Passed, "forks", forks, "faults", rep.Faults, "duration", rep.Duration)
	bus.Publish(events.Event{Type: events.ScenarioFinished, Data: map[string]string{
		"scenario": name,
		"passed":   strconv.FormatBool(rep.Passed),
	}})
	r.keep(rep)
	return rep, nil
}

// RunAll runs each named scenario in order, or every program when names
// is empty. It stops at the first scenario that cannot be started.
func (r *Runner) RunAll(ctx context.Context, names []string) ([]*Report, error) {
	if len(names) == 0 {
		for _, p := range Programs() {
			names = append(names, p.Name)
		}
	}
	var out []*Report
	for _, n := range names {
		rep, err := r.Run(ctx, n)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
	}
	return out, nil
}

// SetConfig replaces the configuration used by later runs. Runs in
// progress keep the configuration they started with.
func (r *Runner) SetConfig(cfg Config) {
	if cfg.Keep <= 0 {
		cfg.Keep = 32
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.trimLocked()
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Reports returns recent reports, oldest first.
func (r *Runner) Reports() []*Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Report, len(r.reports))
	copy(out, r.reports)
	return out
}

func (r *Runner) keep(rep *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	r.trimLocked()
}

func (r *Runner) trimLocked() {
	if len(r.reports) > r.cfg.Keep {
		r.reports = r.reports[len(r.reports)-r.cfg.Keep:]
	}
}

// bootImage is the memory every program starts with: one page of
// read-only text, one writable data page and a one-page stack.
func bootImage(l mmu.Layout) kernel.Image {
	return kernel.Image{
		Segments: []kernel.Segment{
			{VA: l.UText, Data: []byte("cowfork program text"), Perm: mmu.Present | mmu.User},
			{VA: l.UText + mmu.PageSize, Size: mmu.PageSize, Perm: mmu.Present | mmu.User | mmu.Writable},
		},
		StackPages: 1,
	}
}
