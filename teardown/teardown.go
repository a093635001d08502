package teardown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/ctxbus/logging"
)

// Phases in the order they run.
const (
	PhaseIntake  = 10
	PhaseRevert  = 20
	PhaseRelease = 30
	PhaseFlush   = 40
)

// Common errors.
var (
	// ErrTimeout indicates teardown did not finish before its deadline.
	ErrTimeout = errors.New("teardown timeout exceeded")

	// ErrHookFailed indicates one or more hooks returned an error.
	ErrHookFailed = errors.New("one or more teardown hooks failed")
)

// Hook releases one thing. It should honor ctx's deadline.
type Hook func(ctx context.Context) error

// Result is the outcome of one hook.
type Result struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Report is the outcome of a teardown.
type Report struct {
	Duration time.Duration
	Results  []Result
	Err      error
}

// Failed returns the names of hooks that returned an error.
func (r *Report) Failed() []string {
	var failed []string
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res.Name)
		}
	}
	return failed
}

// Config configures a teardown.
type Config struct {
	// Timeout bounds RunWithTimeout and signal-triggered runs.
	// Default: 10 seconds
	Timeout time.Duration

	// StopOnError skips later phases after a failing hook.
	StopOnError bool

	// Logger reports every hook. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

type hook struct {
	name  string
	phase int
	fn    Hook
}

// Teardown collects hooks and runs them once.
type Teardown struct {
	cfg Config

	mu     sync.Mutex
	hooks  []hook
	once   sync.Once
	done   chan struct{}
	report *Report
}

// New creates a teardown.
func New(cfg Config) *Teardown {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Teardown{cfg: cfg, done: make(chan struct{})}
}

// Add registers a hook. Hooks added after Run started are ignored.
func (t *Teardown) Add(name string, phase int, fn Hook) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.hooks = append(t.hooks, hook{name: name, phase: phase, fn: fn})
}

// Run executes every hook phase by phase. Only the first call runs the
// hooks; every call returns the report of that run once it finished.
func (t *Teardown) Run(ctx context.Context) (*Report, error) {
	t.once.Do(func() {
		t.mu.Lock()
		hooks := make([]hook, len(t.hooks))
		copy(hooks, t.hooks)
		t.mu.Unlock()

		report := t.run(ctx, hooks)

		t.mu.Lock()
		t.report = report
		t.mu.Unlock()
		close(t.done)
	})

	<-t.done
	return t.report, t.report.Err
}

// RunWithTimeout runs the teardown bounded by the configured timeout.
func (t *Teardown) RunWithTimeout() (*Report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()
	return t.Run(ctx)
}

// HandleSignals runs the teardown on SIGTERM or SIGINT. The returned
// function stops listening.
func (t *Teardown) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	quit := make(chan struct{})

	go func() {
		select {
		case sig := <-sigs:
			t.cfg.Logger.Info("teardown_signal", map[string]interface{}{"signal": sig.String()})
			t.RunWithTimeout()
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}

// Done is closed once the teardown finished.
func (t *Teardown) Done() <-chan struct{} { return t.done }

// Report returns the finished report, nil while the teardown has not run.
func (t *Teardown) Report() *Report {
	select {
	case <-t.done:
		return t.report
	default:
		return nil
	}
}

func (t *Teardown) run(ctx context.Context, hooks []hook) *Report {
	start := time.Now()
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].phase < hooks[j].phase })

	report := &Report{Results: make([]Result, 0, len(hooks))}
	for _, group := range byPhase(hooks) {
		if ctx.Err() != nil {
			report.Err = ErrTimeout
			break
		}

		results := t.runPhase(ctx, group)
		report.Results = append(report.Results, results...)

		failed := false
		for _, r := range results {
			if r.Err != nil {
				failed = true
			}
		}
		if failed {
			report.Err = ErrHookFailed
			if t.cfg.StopOnError {
				break
			}
		}
	}
	report.Duration = time.Since(start)
	return report
}

func (t *Teardown) runPhase(ctx context.Context, group []hook) []Result {
	results := make([]Result, len(group))
	var wg sync.WaitGroup
	for i, h := range group {
		wg.Add(1)
		go func(i int, h hook) {
			defer wg.Done()
			start := time.Now()
			err := runHook(ctx, h.fn)
			results[i] = Result{Name: h.name, Phase: h.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{"hook": h.name, "phase": h.phase}
			if err != nil {
				fields["error"] = err.Error()
				t.cfg.Logger.Warn("teardown_hook_failed", fields)
			} else {
				t.cfg.Logger.Debug("teardown_hook", fields)
			}
		}(i, h)
	}
	wg.Wait()
	return results
}

// runHook turns a panicking hook into an error so the other hooks still run.
func runHook(ctx context.Context, fn Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("teardown hook panicked")
		}
	}()
	return fn(ctx)
}

// byPhase splits hooks, already sorted by phase, into one group per phase.
func byPhase(hooks []hook) [][]hook {
	var groups [][]hook
	for i, h := range hooks {
		if i == 0 || h.phase != hooks[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
