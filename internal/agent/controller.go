package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeden-/mt5agent/internal/journal"
	"github.com/jeden-/mt5agent/internal/observ"
	"github.com/jeden-/mt5agent/internal/signal"
	"github.com/jeden-/mt5agent/internal/store"
)

// State is the controller lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateRunning    State = "running"
	StateError      State = "error"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
)

func stateGauge(s State) float64 {
	switch s {
	case StateRunning:
		return 1
	case StateError:
		return 2
	case StateRestarting:
		return 3
	case StateStopping:
		return 4
	}
	return 0
}

// TradingService is the venue facade the controller drives. The bridge
// channel satisfies it.
type TradingService interface {
	Connect() error
	Disconnect() error
	Execute(sig signal.Signal) error
	SetWatched(symbols []string)
}

// PositionSyncer reconciles local position state with the venue after
// executions and on recovery.
type PositionSyncer interface {
	SyncWithVenue(ownerID int64) error
	Recover(ownerID int64) error
}

// Recorder is the signal audit trail.
type Recorder interface {
	Write(rec journal.Record) error
	HasRecentExecution(symbol string, window time.Duration) (bool, error)
}

// Result is the response shape of lifecycle operations.
type Result struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusReport is the response shape of GetStatus.
type StatusReport struct {
	Status    State     `json:"status"`
	Uptime    float64   `json:"uptime"`
	StartTime time.Time `json:"start_time"`
	Error     string    `json:"error,omitempty"`
	Mode      Mode      `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingSignal is a validated signal held for external approval in
// semi-automatic mode.
type PendingSignal struct {
	ID        string        `json:"id"`
	Signal    signal.Signal `json:"signal"`
	CreatedAt time.Time     `json:"created_at"`
}

// Options tune the controller's timing and identity.
type Options struct {
	OwnerID      int64
	LoopInterval time.Duration
	StopTimeout  time.Duration
	Timeframe    string
	DedupeWindow time.Duration

	// Instruments seeds the initial configuration when no persisted
	// config exists. A restored config always wins.
	Instruments []string
}

func (o Options) withDefaults() Options {
	if o.LoopInterval <= 0 {
		o.LoopInterval = time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.Timeframe == "" {
		o.Timeframe = "H1"
	}
	return o
}

// Controller owns the agent lifecycle: start/stop/restart, the execution
// worker, configuration, and the pending-approval queue.
//
// One mutex (mu) serializes lifecycle transitions and config updates. The
// execution worker deliberately reads state and config without mu; a config
// change is only eventually visible to a running loop. Taking mu in the
// worker would deadlock Stop, which joins the worker while holding it.
type Controller struct {
	trading   TradingService
	syncer    PositionSyncer
	source    signal.Source
	validator signal.Validator
	history   HistoryStore
	fallback  FallbackStore
	journal   Recorder

	opts Options
	now  func() time.Time

	mu sync.Mutex // lifecycle transitions and config updates

	stateMu   sync.Mutex // state/mode/startTime/lastErr reads and writes
	state     State
	mode      Mode
	startTime time.Time
	lastErr   string

	cfg atomic.Pointer[Config]

	stopRequested atomic.Bool
	resetPending  atomic.Bool
	stopCh        chan struct{}
	doneCh        chan struct{}

	pmu     sync.Mutex
	pending map[string]PendingSignal
}

// New builds a stopped controller and restores configuration from the
// history store, the local fallback, or defaults, in that order.
func New(trading TradingService, syncer PositionSyncer, source signal.Source, validator signal.Validator, history HistoryStore, fallback FallbackStore, rec Recorder, opts Options) *Controller {
	c := &Controller{
		trading:   trading,
		syncer:    syncer,
		source:    source,
		validator: validator,
		history:   history,
		fallback:  fallback,
		journal:   rec,
		opts:      opts.withDefaults(),
		now:       time.Now,
		state:     StateStopped,
		pending:   make(map[string]PendingSignal),
	}
	cfg := restoreConfig(history, fallback, seedConfig(c.opts.Instruments))
	c.cfg.Store(&cfg)
	c.mode = cfg.Mode
	observ.SetGauge("agent_state", stateGauge(StateStopped), nil)
	return c
}

// Config returns the current configuration.
func (c *Controller) Config() Config {
	return c.cfg.Load().clone()
}

func (c *Controller) getState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	if s != StateError {
		c.lastErr = ""
	}
	c.stateMu.Unlock()
	observ.SetGauge("agent_state", stateGauge(s), nil)
	observ.Log("agent_state_changed", map[string]any{"state": string(s)})
}

func (c *Controller) setError(err error) {
	c.stateMu.Lock()
	c.state = StateError
	c.lastErr = err.Error()
	c.stateMu.Unlock()
	observ.SetGauge("agent_state", stateGauge(StateError), nil)
	observ.Error("agent_error_state", err, nil)
}

// Start brings the agent into the running state in the given mode and
// spawns the execution worker.
func (c *Controller) Start(mode Mode) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(mode)
}

func (c *Controller) startLocked(mode Mode) (Result, error) {
	now := c.now()
	switch st := c.getState(); st {
	case StateRunning:
		return Result{Status: "error", Message: "already running", Timestamp: now}, ErrAlreadyRunning
	case StateStopped, StateError, StateRestarting:
	default:
		return Result{Status: "error", Message: fmt.Sprintf("cannot start from state %s", st), Timestamp: now}, ErrInvalidState
	}
	if !validMode(mode) {
		return Result{Status: "error", Message: fmt.Sprintf("unknown mode %q", mode), Timestamp: now}, ErrInvalidMode
	}
	if c.resetPending.Load() {
		// an abandoned worker may still hold collaborators; require the
		// supervisory Reset before running again
		return Result{Status: "error", Message: "forced stop left a reset pending, call Reset first", Timestamp: now}, ErrResetPending
	}

	if err := c.trading.Connect(); err != nil {
		c.setError(fmt.Errorf("connect: %w", err))
		return Result{Status: "error", Message: err.Error(), Timestamp: now}, err
	}

	cfg := c.cfg.Load().clone()
	cfg.Mode = mode
	c.cfg.Store(&cfg)
	c.trading.SetWatched(cfg.ActiveInstruments())

	// startup position recovery; a degraded venue must not block the start
	if err := c.syncer.Recover(c.opts.OwnerID); err != nil {
		observ.Error("agent_startup_recover_failed", err, nil)
	}

	c.stopRequested.Store(false)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)

	c.stateMu.Lock()
	c.state = StateRunning
	c.mode = mode
	c.startTime = now
	c.lastErr = ""
	c.stateMu.Unlock()
	observ.SetGauge("agent_state", stateGauge(StateRunning), nil)
	observ.Log("agent_started", map[string]any{"mode": string(mode)})

	return Result{Status: "started", Mode: mode, Timestamp: now}, nil
}

// Stop requests worker shutdown and joins it, waiting up to StopTimeout.
// A worker that does not join in time is abandoned: the state is forced to
// stopped and a full reset is left pending for the supervisor.
func (c *Controller) Stop() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	switch st := c.getState(); st {
	case StateStopped:
		return Result{Status: "error", Message: "already stopped", Timestamp: now}, ErrAlreadyStopped
	case StateRunning:
	default:
		return Result{Status: "error", Message: fmt.Sprintf("cannot stop from state %s", st), Timestamp: now}, ErrInvalidState
	}

	c.setState(StateStopping)
	joined := c.joinWorker()
	if err := c.trading.Disconnect(); err != nil {
		observ.Error("agent_disconnect_failed", err, nil)
	}
	c.setState(StateStopped)

	if !joined {
		c.resetPending.Store(true)
		observ.IncCounter("agent_forced_stops_total", nil)
		observ.Log("agent_stop_forced", map[string]any{"timeout_secs": c.opts.StopTimeout.Seconds()})
		return Result{Status: "stopped", Message: "worker join timed out, reset pending", Timestamp: c.now()}, nil
	}
	observ.Log("agent_stopped", nil)
	return Result{Status: "stopped", Timestamp: c.now()}, nil
}

// joinWorker signals the worker and waits for it up to StopTimeout.
// Returns false when the worker had to be abandoned.
func (c *Controller) joinWorker() bool {
	c.stopRequested.Store(true)
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	if c.doneCh == nil {
		return true
	}
	select {
	case <-c.doneCh:
		return true
	case <-time.After(c.opts.StopTimeout):
		return false
	}
}

// Restart stops the running worker and starts again, keeping the previous
// mode when none is given.
func (c *Controller) Restart(mode Mode) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if st := c.getState(); st != StateRunning {
		return Result{Status: "error", Message: fmt.Sprintf("cannot restart from state %s", st), Timestamp: now}, ErrInvalidState
	}

	c.stateMu.Lock()
	prev := c.mode
	c.stateMu.Unlock()
	if mode == "" {
		mode = prev
	}

	c.setState(StateRestarting)
	joined := c.joinWorker()
	if err := c.trading.Disconnect(); err != nil {
		observ.Error("agent_disconnect_failed", err, nil)
	}
	if !joined {
		// do not start a second worker next to a hung one
		c.resetPending.Store(true)
		observ.IncCounter("agent_forced_stops_total", nil)
		c.setState(StateStopped)
		return Result{Status: "error", Message: "worker join timed out, reset pending", Timestamp: c.now()}, ErrStopTimeout
	}
	observ.Log("agent_restarting", map[string]any{"mode": string(mode)})
	return c.startLocked(mode)
}

// Reset is the explicit forced-recovery path for a controller whose worker
// had to be abandoned. It tears everything down synchronously and leaves
// the controller stopped and consistent; the abandoned worker goroutine is
// fenced off by stopRequested.
func (c *Controller) Reset() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested.Store(true)
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	if err := c.trading.Disconnect(); err != nil {
		observ.Error("agent_disconnect_failed", err, nil)
	}
	c.pmu.Lock()
	c.pending = make(map[string]PendingSignal)
	c.pmu.Unlock()
	c.stopCh = nil
	c.doneCh = nil
	c.resetPending.Store(false)
	c.setState(StateStopped)
	observ.Log("agent_reset", nil)
	return Result{Status: "reset", Timestamp: c.now()}
}

// ResetPending reports whether a forced stop left a reset outstanding.
func (c *Controller) ResetPending() bool { return c.resetPending.Load() }

// GetStatus reports the current lifecycle state.
func (c *Controller) GetStatus() StatusReport {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	now := c.now()
	var uptime float64
	if c.state == StateRunning && !c.startTime.IsZero() {
		uptime = now.Sub(c.startTime).Seconds()
	}
	return StatusReport{
		Status:    c.state,
		Uptime:    uptime,
		StartTime: c.startTime,
		Error:     c.lastErr,
		Mode:      c.mode,
		Timestamp: now,
	}
}

// UpdateConfig merges a partial update into the current configuration,
// re-applies it to dependent components, and persists it with a comment.
// Persistence failures are logged; the in-memory update always wins.
func (c *Controller) UpdateConfig(patch ConfigPatch, comment string) (Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if patch.Mode != nil && !validMode(*patch.Mode) {
		return Config{}, ErrInvalidMode
	}
	next := c.cfg.Load().merged(patch)
	c.cfg.Store(&next)

	c.stateMu.Lock()
	c.mode = next.Mode
	c.stateMu.Unlock()

	c.trading.SetWatched(next.ActiveInstruments())

	raw, err := json.Marshal(next)
	if err != nil {
		return next, fmt.Errorf("encode config: %w", err)
	}
	var id int64
	if c.history != nil {
		id, err = c.history.SaveConfig(string(next.Mode), raw, comment)
		if err != nil {
			observ.Error("agent_config_save_failed", err, nil)
		}
	}
	if c.fallback != nil {
		v := store.ConfigVersion{ID: id, Mode: string(next.Mode), Config: raw, Comment: comment, CreatedAt: c.now()}
		if err := c.fallback.Save(v); err != nil {
			observ.Error("agent_config_fallback_save_failed", err, nil)
		}
	}
	observ.Log("agent_config_updated", map[string]any{"mode": string(next.Mode), "comment": comment})
	return next.clone(), nil
}

// run is the execution worker. It processes every active instrument each
// iteration and sleeps between iterations. Iteration errors are swallowed
// and logged unless fatal.
func (c *Controller) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	observ.Log("agent_worker_started", nil)
	for {
		if c.stopRequested.Load() {
			observ.Log("agent_worker_stopped", nil)
			return
		}
		cfg := c.cfg.Load()
		if err := c.iterate(*cfg); err != nil {
			observ.IncCounter("agent_iteration_errors_total", nil)
			if IsFatal(err) {
				// an abandoned worker exits without touching the
				// controller of a fresh run
				select {
				case <-stop:
					return
				default:
				}
				// lose the race against Stop cleanly: whoever flips the
				// flag first owns the terminal state
				if c.stopRequested.CompareAndSwap(false, true) {
					c.setError(err)
				}
				return
			}
			observ.Error("agent_iteration_error", err, nil)
		}
		select {
		case <-stop:
			observ.Log("agent_worker_stopped", nil)
			return
		case <-time.After(c.opts.LoopInterval):
		}
	}
}

// iterate runs one loop iteration. A panic in collaborator code is
// converted into an iteration error instead of killing the process.
func (c *Controller) iterate(cfg Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observ.IncCounter("agent_iteration_panics_total", nil)
			err = fmt.Errorf("iteration panic: %v", r)
		}
	}()
	for _, inst := range cfg.ActiveInstruments() {
		if c.stopRequested.Load() {
			return nil
		}
		if err := c.processInstrument(cfg, inst); err != nil {
			return err
		}
	}
	if err := c.syncer.SyncWithVenue(c.opts.OwnerID); err != nil {
		observ.Error("agent_position_sync_failed", err, nil)
	}
	return nil
}

func (c *Controller) processInstrument(cfg Config, instrument string) error {
	sig, err := c.source.GetSignal(instrument, c.opts.Timeframe)
	if err != nil {
		return fmt.Errorf("signal %s: %w", instrument, err)
	}
	if sig == nil {
		return nil
	}
	if !c.validator.Validate(*sig) {
		observ.Log("agent_signal_rejected", map[string]any{"symbol": sig.Symbol, "direction": sig.Direction})
		return nil
	}

	switch cfg.Mode {
	case ModeObservation:
		observ.Log("agent_signal_observed", map[string]any{
			"symbol": sig.Symbol, "direction": sig.Direction, "confidence": sig.Confidence,
		})
		c.record("observed", cfg.Mode, *sig)
	case ModeSemiAutomatic:
		ps := PendingSignal{ID: uuid.NewString(), Signal: *sig, CreatedAt: c.now()}
		c.pmu.Lock()
		c.pending[ps.ID] = ps
		c.pmu.Unlock()
		observ.SetGauge("agent_pending_signals", float64(c.pendingCount()), nil)
		observ.Log("agent_signal_queued", map[string]any{"id": ps.ID, "symbol": sig.Symbol})
		c.record("queued", cfg.Mode, *sig)
	case ModeAutomatic:
		return c.execute(cfg, *sig, "executed")
	}
	return nil
}

// execute clamps the signal's volume to the instrument limit, skips
// recently executed symbols, submits, and reconciles positions.
func (c *Controller) execute(cfg Config, sig signal.Signal, action string) error {
	if ic, ok := cfg.Instruments[sig.Symbol]; ok && ic.MaxLotSize > 0 {
		if sig.Volume <= 0 || sig.Volume > ic.MaxLotSize {
			sig.Volume = ic.MaxLotSize
		}
	}
	if c.journal != nil && c.opts.DedupeWindow > 0 {
		recent, err := c.journal.HasRecentExecution(sig.Symbol, c.opts.DedupeWindow)
		if err != nil {
			observ.Error("agent_journal_read_failed", err, nil)
		} else if recent {
			observ.Log("agent_signal_deduped", map[string]any{"symbol": sig.Symbol})
			return nil
		}
	}
	if err := c.trading.Execute(sig); err != nil {
		return fmt.Errorf("execute %s: %w", sig.Symbol, err)
	}
	observ.IncCounter("agent_signals_executed_total", map[string]string{"symbol": sig.Symbol})
	c.record(action, cfg.Mode, sig)
	if err := c.syncer.SyncWithVenue(c.opts.OwnerID); err != nil {
		observ.Error("agent_position_sync_failed", err, nil)
	}
	return nil
}

func (c *Controller) record(action string, mode Mode, sig signal.Signal) {
	if c.journal == nil {
		return
	}
	rec := journal.Record{
		Action:    action,
		Mode:      string(mode),
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Volume:    sig.Volume,
		Signal:    sig,
	}
	if err := c.journal.Write(rec); err != nil {
		observ.Error("agent_journal_write_failed", err, nil)
	}
}

func (c *Controller) pendingCount() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.pending)
}

// PendingSignals lists queued signals awaiting approval, oldest first.
func (c *Controller) PendingSignals() []PendingSignal {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	out := make([]PendingSignal, 0, len(c.pending))
	for _, ps := range c.pending {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Approve executes a queued signal and removes it from the queue.
func (c *Controller) Approve(id string) error {
	c.pmu.Lock()
	ps, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pmu.Unlock()
	if !ok {
		return ErrNotPending
	}
	observ.SetGauge("agent_pending_signals", float64(c.pendingCount()), nil)
	observ.Log("agent_signal_approved", map[string]any{"id": id, "symbol": ps.Signal.Symbol})
	return c.execute(*c.cfg.Load(), ps.Signal, "approved")
}

// Reject drops a queued signal without executing it.
func (c *Controller) Reject(id string) error {
	c.pmu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pmu.Unlock()
	if !ok {
		return ErrNotPending
	}
	observ.SetGauge("agent_pending_signals", float64(c.pendingCount()), nil)
	observ.Log("agent_signal_rejected_manual", map[string]any{"id": id})
	return nil
}
