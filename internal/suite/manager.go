package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCanceled  RunStatus = "canceled"
)

// Run is an asynchronous suite run submitted through the API.
type Run struct {
	ID          string           `json:"id"`
	Status      RunStatus        `json:"status"`
	Scenarios   []string         `json:"scenarios"`
	CallbackURL string           `json:"callback_url,omitempty"`
	Report      *scenario.Report `json:"report,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// History persists finished reports.
type History interface {
	Save(ctx context.Context, rep *scenario.Report) error
	Load(ctx context.Context, id string) (*scenario.Report, error)
}

// ErrRunNotFound is returned by GetRun for unknown IDs.
var ErrRunNotFound = errors.New("run not found")

// Manager runs suites in the background, one goroutine per submitted run.
type Manager struct {
	runner  *Runner
	history History
	client  *http.Client
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewManager returns a manager. history may be nil.
func NewManager(runner *Runner, history History, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:  runner,
		history: history,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*Run),
	}
}

// Submit validates scenarios and starts running them. The returned Run is a
// snapshot; poll GetRun for progress.
func (m *Manager) Submit(scenarios []scenario.Scenario, callbackURL string) (*Run, error) {
	if len(scenarios) == 0 {
		return nil, errs.New(errs.InvalidScenario, "no scenarios selected")
	}
	if err := checkNames(scenarios); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run := &Run{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		CallbackURL: callbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, sc := range scenarios {
		run.Scenarios = append(run.Scenarios, sc.Name)
	}

	// Shutdown cancels under mu, so a run registered here is always
	// either refused or waited for.
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, errs.New(errs.Canceled, "manager is shut down")
	}
	m.runs[run.ID] = run
	snapshot := *run
	m.wg.Add(1)
	m.mu.Unlock()

	go m.execute(run.ID, scenarios)
	return &snapshot, nil
}

func (m *Manager) execute(id string, scenarios []scenario.Scenario) {
	defer m.wg.Done()
	m.update(id, func(r *Run) { r.Status = StatusRunning })

	rep, err := m.runner.run(m.ctx, id, scenarios)
	var final Run
	m.update(id, func(r *Run) {
		switch {
		case err != nil:
			r.Status = StatusCompleted
			r.Error = err.Error()
		case m.ctx.Err() != nil:
			r.Status = StatusCanceled
			r.Report = rep
		default:
			r.Status = StatusCompleted
			r.Report = rep
		}
		final = *r
	})

	if rep != nil && m.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.history.Save(ctx, rep); err != nil {
			m.logger.Error("failed to persist run", zap.String("run", id), zap.Error(err))
		}
		cancel()
	}
	if final.CallbackURL != "" {
		m.notifyCallback(&final)
	}
}

func (m *Manager) update(id string, fn func(*Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		fn(r)
		r.UpdatedAt = time.Now().UTC()
	}
}

// GetRun returns a copy of the run. Runs no longer in memory are looked up
// in history.
func (m *Manager) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	var cp Run
	if ok {
		cp = *r
	}
	m.mu.RUnlock()
	if ok {
		return &cp, nil
	}

	if m.history == nil {
		return nil, ErrRunNotFound
	}
	rep, err := m.history.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, ErrRunNotFound
	}
	out := &Run{ID: rep.ID, Status: StatusCompleted, Report: rep, CreatedAt: rep.StartedAt, UpdatedAt: rep.StartedAt}
	for _, res := range rep.Results {
		out.Scenarios = append(out.Scenarios, res.Scenario)
	}
	return out, nil
}

// Runs lists in-memory runs, newest first.
func (m *Manager) Runs() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Run) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// notifyCallback posts the finished run to its callback URL. Failures are
// logged, never retried.
func (m *Manager) notifyCallback(run *Run) {
	body, err := json.Marshal(run)
	if err != nil {
		m.logger.Error("failed to marshal callback payload", zap.String("run", run.ID), zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, run.CallbackURL, bytes.NewReader(body))
	if err != nil {
		m.logger.Error("failed to create callback request", zap.String("run", run.ID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("callback failed", zap.String("run", run.ID), zap.String("url", run.CallbackURL), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.logger.Info("callback sent", zap.String("run", run.ID), zap.Int("status", resp.StatusCode))
	} else {
		m.logger.Warn("callback rejected", zap.String("run", run.ID), zap.Int("status", resp.StatusCode))
	}
}

// Shutdown aborts running suites and waits for them to wind down or for ctx
// to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("suite manager shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
