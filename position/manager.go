package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/fusion/shared"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// maxWorkers is the maximum number of concurrent exchange calls.
	maxWorkers = 8
)

const (
	rejectShuttingDown   = "shutting_down"
	rejectActivePosition = "active_position"
	rejectLimits         = "risk_limits"
	rejectInvalid        = "invalid"
	rejectExchange       = "exchange_rejected"
	rejectTimeout        = "fill_timeout"
	rejectOverride       = "manual_override"
)

var errFillTimeout = errors.New("fill timed out")

// MetricsRecorder defines the execution metrics requirements.
type MetricsRecorder interface {
	// RecordPositionOpened records an opened position.
	RecordPositionOpened(market string)
	// RecordPositionClosed records a closed position and its realized profit or loss.
	RecordPositionClosed(market string, reason string, pnl float64)
	// RecordExchangeError records a failed exchange call.
	RecordExchangeError(operation string)
	// RecordEntryRejected records a refused or failed entry.
	RecordEntryRejected(reason string)
	// SetRiskState sets the current equity, daily profit and loss and drawdown.
	SetRiskState(equity float64, dailyPnL float64, drawdown float64)
}

// ExitConfig represents the signal and time based exit configuration.
type ExitConfig struct {
	// ReversalThreshold is the opposing signal magnitude that exits a position.
	ReversalThreshold float64 `yaml:"reversal_threshold" default:"0.5" validate:"gt=0,lte=1"`
	// MinHoldPeriods is the number of execution candles held before a coherence
	// breakdown can exit a position.
	MinHoldPeriods int `yaml:"min_hold_periods" default:"3" validate:"gte=1"`
	// CompressionCoherence is the coherence below which a held position exits.
	CompressionCoherence float64 `yaml:"compression_coherence" default:"0.4" validate:"gte=0,lt=1"`
	// MaxHoldPeriods is the maximum number of execution candles a position is held.
	MaxHoldPeriods int `yaml:"max_hold_periods" default:"48" validate:"gtefield=MinHoldPeriods"`
}

// Validate asserts the config sane inputs.
func (cfg *ExitConfig) Validate() error {
	var errs error

	if cfg.ReversalThreshold <= 0 || cfg.ReversalThreshold > 1 {
		errs = errors.Join(errs, fmt.Errorf("reversal threshold must be in (0, 1], got %f",
			cfg.ReversalThreshold))
	}
	if cfg.MinHoldPeriods < 1 {
		errs = errors.Join(errs, fmt.Errorf("min hold periods must be at least 1, got %d",
			cfg.MinHoldPeriods))
	}
	if cfg.CompressionCoherence < 0 || cfg.CompressionCoherence >= 1 {
		errs = errors.Join(errs, fmt.Errorf("compression coherence must be in [0, 1), got %f",
			cfg.CompressionCoherence))
	}
	if cfg.MaxHoldPeriods < cfg.MinHoldPeriods {
		errs = errors.Join(errs, fmt.Errorf("max hold periods %d is less than min hold periods %d",
			cfg.MaxHoldPeriods, cfg.MinHoldPeriods))
	}

	return errs
}

// ManagerConfig represents the position manager configuration.
type ManagerConfig struct {
	// Markets represents the collection of names of the markets traded.
	Markets []string
	// Exchange executes orders.
	Exchange shared.Exchange
	// Store persists execution state.
	Store StateStore
	// Limits represents the process-wide risk limits.
	Limits shared.RiskLimits
	// Capital is the starting capital positions are sized against.
	Capital float64
	// Exits is the signal and time based exit configuration.
	Exits *ExitConfig
	// Retry is the exchange call retry policy.
	Retry *RetryPolicy
	// FillTimeout is the maximum wait for an entry fill before the order is cancelled.
	FillTimeout time.Duration
	// FillPollInterval is the interval between fill queries.
	FillPollInterval time.Duration
	// CallTimeout bounds a single exchange or store call.
	CallTimeout time.Duration
	// ShutdownTimeout bounds closing open positions on shutdown.
	ShutdownTimeout time.Duration
	// FetchLastTicks fetches the last processed tick time of every market.
	FetchLastTicks func() map[string]time.Time
	// SendEvent relays the provided execution event.
	SendEvent func(event shared.Event)
	// Metrics records execution metrics.
	Metrics MetricsRecorder
	// Now returns the current time, defaults to time.Now.
	Now func() time.Time
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("at least one market is required"))
	}
	if cfg.Exchange == nil {
		errs = errors.Join(errs, fmt.Errorf("no exchange provided"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("no state store provided"))
	}
	if err := cfg.Limits.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if !(cfg.Capital > 0) {
		errs = errors.Join(errs, fmt.Errorf("capital must be positive, got %f", cfg.Capital))
	}
	if cfg.Exits == nil {
		errs = errors.Join(errs, fmt.Errorf("no exit config provided"))
	} else if err := cfg.Exits.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.Retry == nil {
		errs = errors.Join(errs, fmt.Errorf("no retry policy provided"))
	} else if err := cfg.Retry.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.FillTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("fill timeout must be positive"))
	}
	if cfg.FillPollInterval <= 0 || cfg.FillPollInterval > cfg.FillTimeout {
		errs = errors.Join(errs, fmt.Errorf("fill poll interval must be in (0, fill timeout]"))
	}
	if cfg.CallTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("call timeout must be positive"))
	}
	if cfg.ShutdownTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("shutdown timeout must be positive"))
	}
	if cfg.SendEvent == nil {
		errs = errors.Join(errs, fmt.Errorf("send event function cannot be nil"))
	}
	if cfg.Metrics == nil {
		errs = errors.Join(errs, fmt.Errorf("no metrics recorder provided"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// ResetKind represents the kind of risk limit reset.
type ResetKind int

const (
	DailyReset ResetKind = iota
	DrawdownReset
)

// ResetSignal represents a request to reset risk limit counters.
type ResetSignal struct {
	Kind   ResetKind
	Status chan shared.StatusCode
}

// NewResetSignal initializes a new reset signal.
func NewResetSignal(kind ResetKind) ResetSignal {
	return ResetSignal{
		Kind:   kind,
		Status: make(chan shared.StatusCode, 1),
	}
}

// OverrideSignal represents a manual resolution of a degraded pending position. Pending
// entries are discarded, pending exits are closed at the provided exit price.
type OverrideSignal struct {
	PositionID string
	ExitPrice  float64
	Response   chan error
}

// NewOverrideSignal initializes a new override signal.
func NewOverrideSignal(positionID string, exitPrice float64) OverrideSignal {
	return OverrideSignal{
		PositionID: positionID,
		ExitPrice:  exitPrice,
		Response:   make(chan error, 1),
	}
}

type callKind int

const (
	entryCall callKind = iota
	closeCall
)

// callResult represents the outcome of an outstanding exchange call.
type callResult struct {
	kind       callKind
	positionID string
	orderID    string
	fill       shared.Fill
	exitPrice  float64
	timedOut   bool
	err        error
}

// Manager drives positions through their execution lifecycle. All state transitions
// happen on the manager's run loop, exchange calls run concurrently and report back to
// it by position id.
type Manager struct {
	cfg         *ManagerConfig
	tracker     *Tracker
	markets     map[string]*Market
	positions   map[string]*Position
	mtx         sync.RWMutex
	inflight    map[string]struct{}
	retries     map[string]int
	reconcile   []string
	marketTimes map[string]time.Time
	prices      map[string]float64
	stopping    bool
	decisions   chan shared.Decision
	resets      chan ResetSignal
	overrides   chan OverrideSignal
	results     chan callResult
	workers     chan struct{}
	done        chan struct{}
}

// NewManager initializes a new position manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating position manager config: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tracker, err := NewTracker(cfg.Limits, cfg.Capital)
	if err != nil {
		return nil, err
	}

	markets := make(map[string]*Market, len(cfg.Markets))
	for _, market := range cfg.Markets {
		markets[market] = NewMarket(market)
	}

	return &Manager{
		cfg:         cfg,
		tracker:     tracker,
		markets:     markets,
		positions:   make(map[string]*Position),
		inflight:    make(map[string]struct{}),
		retries:     make(map[string]int),
		marketTimes: make(map[string]time.Time),
		prices:      make(map[string]float64),
		decisions:   make(chan shared.Decision, bufferSize),
		resets:      make(chan ResetSignal, bufferSize),
		overrides:   make(chan OverrideSignal, bufferSize),
		results:     make(chan callResult, bufferSize),
		workers:     make(chan struct{}, maxWorkers),
		done:        make(chan struct{}),
	}, nil
}

// QueueDecision relays the provided decision for processing, blocking until it is queued.
func (m *Manager) QueueDecision(ctx context.Context, decision shared.Decision) error {
	select {
	case m.decisions <- decision:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendReset relays the provided reset signal for processing.
func (m *Manager) SendReset(signal ResetSignal) {
	select {
	case m.resets <- signal:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("reset channel at capacity: %d/%d",
			len(m.resets), bufferSize)
	}
}

// SendOverride relays the provided override signal for processing.
func (m *Manager) SendOverride(signal OverrideSignal) {
	select {
	case m.overrides <- signal:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("override channel at capacity: %d/%d",
			len(m.overrides), bufferSize)
		signal.Response <- fmt.Errorf("override channel at capacity")
	}
}

// FetchPositions returns copies of the positions that are not closed, oldest first.
func (m *Manager) FetchPositions() []*Position {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.sortedPositions()
}

// FetchCounters returns a copy of the risk limit counters.
func (m *Manager) FetchCounters() Counters {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.tracker.Counters()
}

// sortedPositions returns copies of the tracked positions, oldest first.
func (m *Manager) sortedPositions() []*Position {
	positions := make([]*Position, 0, len(m.positions))
	for _, pos := range m.positions {
		positions = append(positions, pos.Clone())
	}
	slices.SortFunc(positions, func(a, b *Position) int {
		if c := a.CreatedOn.Compare(b.CreatedOn); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return positions
}

// Restore resumes the persisted execution state, returning the persisted last tick
// times of the markets. It must be called before the manager is run.
func (m *Manager) Restore(ctx context.Context) (map[string]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	snapshot, err := m.cfg.Store.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, nil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if snapshot.Counters.Capital > 0 {
		if err := m.tracker.Restore(snapshot.Counters); err != nil {
			return nil, err
		}
	}

	for market, last := range snapshot.LastTicks {
		m.marketTimes[market] = last
	}

	for _, pos := range snapshot.Positions {
		if pos.State == Idle || pos.State == Closed {
			continue
		}

		mkt, ok := m.markets[pos.Market]
		if !ok {
			m.cfg.Logger.Error().Msgf("dropping restored position %s for unknown market %s",
				pos.ID, pos.Market)
			continue
		}
		if err := mkt.AddPosition(pos); err != nil {
			m.cfg.Logger.Error().Msgf("restoring position %s: %v", pos.ID, err)
			continue
		}

		m.positions[pos.ID] = pos
		if pos.State == PendingEntry || pos.State == PendingExit {
			m.reconcile = append(m.reconcile, pos.ID)
		}

		m.cfg.Logger.Info().Msgf("restored %s %s position %s for %s", pos.State.String(),
			pos.Direction.String(), pos.ID, pos.Market)
	}

	return snapshot.LastTicks, nil
}

// reconcilePositions resumes the exchange calls of restored pending positions.
func (m *Manager) reconcilePositions(ctx context.Context) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, id := range m.reconcile {
		pos, ok := m.positions[id]
		if !ok {
			continue
		}

		switch pos.State {
		case PendingEntry:
			m.dispatchEntry(ctx, pos)
		case PendingExit:
			m.dispatchClose(ctx, pos)
		}
	}
	m.reconcile = nil
}

// dispatch runs the provided exchange call concurrently, tracking it by position id.
func (m *Manager) dispatch(ctx context.Context, id string, call func(ctx context.Context) callResult) {
	m.inflight[id] = struct{}{}

	go func() {
		select {
		case m.workers <- struct{}{}:
		case <-m.done:
			return
		}
		res := call(ctx)
		<-m.workers

		res.positionID = id
		if !m.deliver(res) {
			m.cfg.Logger.Warn().Msgf("dropping exchange result for position %s after shutdown", id)
		}
	}()
}

// deliver relays the provided call result to the run loop, reporting false when the
// manager stopped before it could be received.
func (m *Manager) deliver(res callResult) bool {
	select {
	case m.results <- res:
		return true
	case <-m.done:
		return false
	}
}

// recordExchangeError returns an error hook recording failed attempts of the provided
// exchange operation.
func (m *Manager) recordExchangeError(operation string) func(err error) {
	return func(err error) {
		m.cfg.Metrics.RecordExchangeError(operation)
		m.cfg.Logger.Warn().Msgf("%s: %v", operation, err)
	}
}

// withCallTimeout returns the provided call bounded by the call timeout.
func (m *Manager) withCallTimeout(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()

		return fn(ctx)
	}
}

// dispatchEntry submits the entry order of the provided position and awaits its fill.
// Restored or retried positions with a known order id only await the fill.
func (m *Manager) dispatchEntry(ctx context.Context, pos *Position) {
	req := pos.OrderRequest()
	orderID := pos.OrderID

	m.dispatch(ctx, pos.ID, func(ctx context.Context) callResult {
		return m.enter(ctx, req, orderID)
	})
}

// enter executes the provided entry order.
func (m *Manager) enter(ctx context.Context, req shared.OrderRequest, orderID string) callResult {
	res := callResult{kind: entryCall, orderID: orderID}

	if orderID == "" {
		err := m.cfg.Retry.Do(ctx, m.withCallTimeout(func(ctx context.Context) error {
			id, err := m.cfg.Exchange.SubmitOrder(ctx, req)
			if err != nil {
				return err
			}
			res.orderID = id
			return nil
		}), m.recordExchangeError("submit order"))
		if err != nil {
			res.err = fmt.Errorf("submitting order: %w", err)
			return res
		}
	}

	fill, err := m.awaitFill(ctx, res.orderID)
	switch {
	case errors.Is(err, errFillTimeout):
		cancelErr := m.cfg.Retry.Do(ctx, m.withCallTimeout(func(ctx context.Context) error {
			return m.cfg.Exchange.CancelOrder(ctx, res.orderID)
		}), m.recordExchangeError("cancel order"))

		// The order may have filled before the cancellation landed.
		var final shared.Fill
		queryErr := m.withCallTimeout(func(ctx context.Context) error {
			var err error
			final, err = m.cfg.Exchange.QueryFill(ctx, res.orderID)
			return err
		})(ctx)
		if queryErr == nil && final.Status == shared.Filled {
			res.fill = final
			return res
		}

		if cancelErr != nil {
			res.err = fmt.Errorf("cancelling timed out order %s: %w", res.orderID, cancelErr)
			return res
		}
		res.timedOut = true

	case err != nil:
		res.err = fmt.Errorf("awaiting fill of order %s: %w", res.orderID, err)

	default:
		res.fill = fill
	}

	return res
}

// awaitFill polls the fill state of the provided order until it resolves or the fill
// timeout elapses.
func (m *Manager) awaitFill(ctx context.Context, orderID string) (shared.Fill, error) {
	timeout, cancel := context.WithTimeout(ctx, m.cfg.FillTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.FillPollInterval)
	defer ticker.Stop()

	onErr := m.recordExchangeError("query fill")
	for {
		var fill shared.Fill
		err := m.withCallTimeout(func(ctx context.Context) error {
			var err error
			fill, err = m.cfg.Exchange.QueryFill(ctx, orderID)
			return err
		})(timeout)
		switch {
		case errors.Is(err, shared.ErrRejected):
			return shared.Fill{Status: shared.FillRejected, Reason: err.Error()}, nil
		case err != nil:
			onErr(err)
		case fill.Status != shared.FillPending:
			return fill, nil
		}

		select {
		case <-timeout.Done():
			if ctx.Err() != nil {
				return shared.Fill{}, ctx.Err()
			}
			return shared.Fill{}, errFillTimeout
		case <-ticker.C:
		}
	}
}

// dispatchClose closes the provided pending exit position.
func (m *Manager) dispatchClose(ctx context.Context, pos *Position) {
	req := pos.CloseRequest()

	m.dispatch(ctx, pos.ID, func(ctx context.Context) callResult {
		res := callResult{kind: closeCall}
		err := m.cfg.Retry.DoRetryRejected(ctx, m.withCallTimeout(func(ctx context.Context) error {
			price, err := m.cfg.Exchange.ClosePosition(ctx, req)
			if err != nil {
				return err
			}
			res.exitPrice = price
			return nil
		}), m.recordExchangeError("close position"))
		if err != nil {
			res.err = fmt.Errorf("closing position: %w", err)
		}
		return res
	})
}

// marketTime returns the latest known market time of the provided market.
func (m *Manager) marketTime(market string) time.Time {
	return m.marketTimes[market]
}

// persist persists the current execution state.
func (m *Manager) persist() {
	snapshot := &Snapshot{
		Counters:  m.tracker.Counters(),
		Positions: m.sortedPositions(),
		CreatedOn: m.cfg.Now(),
	}
	if m.cfg.FetchLastTicks != nil {
		snapshot.LastTicks = m.cfg.FetchLastTicks()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()

	if err := m.cfg.Store.PersistSnapshot(ctx, snapshot); err != nil {
		m.cfg.Logger.Error().Msgf("persisting snapshot: %v", err)
	}

	m.cfg.Metrics.SetRiskState(m.tracker.Equity(), m.tracker.DailyPnL(), m.tracker.Drawdown())
}

// sendEvent relays an execution event for the provided position.
func (m *Manager) sendEvent(kind shared.EventKind, pos *Position, message string) {
	event := shared.Event{
		Kind:      kind,
		Message:   message,
		CreatedOn: m.cfg.Now(),
	}
	if pos != nil {
		event.Market = pos.Market
		event.PositionID = pos.ID
		if pos.ExitReason != shared.NoExit {
			event.ExitReason = pos.ExitReason.String()
		}
		if pos.State == Closed {
			event.RealizedPL = pos.RealizedPL
		}
	}

	m.cfg.SendEvent(event)
}

// remove stops tracking the provided position.
func (m *Manager) remove(pos *Position) {
	if mkt, ok := m.markets[pos.Market]; ok {
		if err := mkt.RemovePosition(pos.ID); err != nil {
			m.cfg.Logger.Error().Msgf("removing position: %v", err)
		}
	}
	delete(m.positions, pos.ID)
	delete(m.retries, pos.ID)
}

// discard returns the provided pending entry to idle.
func (m *Manager) discard(pos *Position, reason string, detail string) {
	pos.State = Idle
	pos.UpdatedOn = m.cfg.Now()
	m.remove(pos)

	m.cfg.Metrics.RecordEntryRejected(reason)
	m.cfg.Logger.Warn().Msgf("discarded %s entry %s for %s: %s", pos.Direction.String(),
		pos.ID, pos.Market, detail)
}

// degrade flags the provided position as requiring intervention.
func (m *Manager) degrade(pos *Position, err error) {
	pos.MarkDegraded(err.Error(), m.cfg.Now())

	m.cfg.Logger.Error().Msgf("%s position %s for %s degraded: %v\n%s", pos.State.String(),
		pos.ID, pos.Market, err, spew.Sdump(pos))
	m.sendEvent(shared.PositionDegraded, pos, fmt.Sprintf("%s position degraded: %v",
		pos.State.String(), err))
}

// handleDecision processes the provided decision.
func (m *Manager) handleDecision(ctx context.Context, decision shared.Decision) {
	defer func() {
		if decision.Status != nil {
			select {
			case decision.Status <- shared.Processed:
			default:
			}
		}
	}()

	m.mtx.Lock()
	defer m.mtx.Unlock()

	mkt, ok := m.markets[decision.Market]
	if !ok {
		m.cfg.Logger.Error().Msgf("no market found with name %s", decision.Market)
		return
	}

	if decision.Signal.Timestamp.After(m.marketTimes[decision.Market]) {
		m.marketTimes[decision.Market] = decision.Signal.Timestamp
	}
	if decision.Price > 0 {
		m.prices[decision.Market] = decision.Price
	}

	if pos := mkt.Active(); pos != nil {
		m.monitor(ctx, pos, decision)
	}

	if decision.Signal.Actionable && decision.Risk != nil {
		m.tryEntry(ctx, mkt, decision)
	}
}

// monitor evaluates the provided position against the decision's execution candles and
// retries degraded pending positions.
func (m *Manager) monitor(ctx context.Context, pos *Position, decision shared.Decision) {
	if _, busy := m.inflight[pos.ID]; busy {
		return
	}

	switch pos.State {
	case Open:
		if len(decision.ExecutionCandles) == 0 {
			return
		}

		for _, candle := range decision.ExecutionCandles {
			// Candles opening before the fill belong to the entry interval.
			if candle.Date.Before(pos.OpenedAt) {
				continue
			}

			pos.HoldingPeriods++
			reason, reference := m.evaluateExit(pos, candle, &decision.Signal)
			if reason != shared.NoExit {
				m.beginExit(ctx, pos, reason, reference)
				return
			}
		}
		m.persist()

	case PendingExit:
		if pos.Degraded && m.allowRetry(pos) {
			m.cfg.Logger.Info().Msgf("retrying close of position %s for %s", pos.ID, pos.Market)
			m.dispatchClose(ctx, pos)
		}

	case PendingEntry:
		if pos.Degraded && m.allowRetry(pos) {
			m.cfg.Logger.Info().Msgf("retrying entry of position %s for %s", pos.ID, pos.Market)
			m.dispatchEntry(ctx, pos)
		}
	}
}

// allowRetry counts a retry of the provided degraded position, reporting whether it is
// still within the retry policy's attempt limit. Exhausted positions await an override.
func (m *Manager) allowRetry(pos *Position) bool {
	retries := m.retries[pos.ID]
	if retries > m.cfg.Retry.MaxAttempts {
		return false
	}

	m.retries[pos.ID] = retries + 1
	if retries == m.cfg.Retry.MaxAttempts {
		m.cfg.Logger.Error().Msgf("%s position %s for %s exhausted %d retries, awaiting override",
			pos.State.String(), pos.ID, pos.Market, retries)
		return false
	}

	return true
}

// evaluateExit checks the exit conditions of the provided open position in priority
// order, returning the triggered exit reason and its reference price.
func (m *Manager) evaluateExit(pos *Position, candle *shared.Candlestick, signal *shared.FusedSignal) (shared.ExitReason, float64) {
	if reason, reference := pos.CheckBarriers(candle); reason != shared.NoExit {
		return reason, reference
	}

	exits := m.cfg.Exits
	if shared.DirectionOf(signal.Magnitude) == pos.Direction.Opposite() &&
		math.Abs(signal.Magnitude) >= exits.ReversalThreshold {
		return shared.SignalReversal, candle.Close
	}
	if pos.HoldingPeriods >= exits.MinHoldPeriods && signal.Coherence < exits.CompressionCoherence {
		return shared.CompressionBreakdown, candle.Close
	}
	if pos.HoldingPeriods >= exits.MaxHoldPeriods {
		return shared.MaxHoldingPeriod, candle.Close
	}

	return shared.NoExit, 0
}

// beginExit transitions the provided position to pending exit and closes it.
func (m *Manager) beginExit(ctx context.Context, pos *Position, reason shared.ExitReason, reference float64) {
	if err := pos.BeginExit(reason, reference, m.cfg.Now()); err != nil {
		m.cfg.Logger.Error().Msgf("beginning exit: %v", err)
		return
	}

	m.cfg.Logger.Info().Msgf("exiting %s position %s for %s (%s) @ %f after %d periods",
		pos.Direction.String(), pos.ID, pos.Market, reason.String(), reference, pos.HoldingPeriods)
	m.persist()
	m.dispatchClose(ctx, pos)
}

// tryEntry opens a position for the provided actionable decision when allowed.
func (m *Manager) tryEntry(ctx context.Context, mkt *Market, decision shared.Decision) {
	if m.stopping {
		m.cfg.Metrics.RecordEntryRejected(rejectShuttingDown)
		return
	}
	if active := mkt.Active(); active != nil {
		m.cfg.Metrics.RecordEntryRejected(rejectActivePosition)
		m.cfg.Logger.Debug().Msgf("rejecting entry for %s, %s position %s active",
			decision.Market, active.State.String(), active.ID)
		return
	}
	if err := m.tracker.Allow(len(m.positions)); err != nil {
		m.cfg.Metrics.RecordEntryRejected(rejectLimits)
		m.cfg.Logger.Info().Msgf("rejecting entry for %s: %v", decision.Market, err)
		return
	}

	pos, err := NewPosition(decision.Market, decision.Signal, *decision.Risk, decision.Price,
		m.tracker.Equity(), m.cfg.Now())
	if err != nil {
		m.cfg.Metrics.RecordEntryRejected(rejectInvalid)
		m.cfg.Logger.Error().Msgf("creating position: %v\n%s", err, spew.Sdump(decision.Signal,
			decision.Risk))
		return
	}
	if err := mkt.AddPosition(pos); err != nil {
		m.cfg.Metrics.RecordEntryRejected(rejectActivePosition)
		m.cfg.Logger.Error().Msgf("adding position: %v", err)
		return
	}
	m.positions[pos.ID] = pos

	m.cfg.Logger.Info().Msgf("entering %s position %s for %s, size %f @ %f (%s)",
		pos.Direction.String(), pos.ID, pos.Market, pos.RequestedSize, decision.Price,
		pos.Risk.Regime.String())
	m.persist()
	m.dispatchEntry(ctx, pos)
}

// handleResult processes the provided exchange call result.
func (m *Manager) handleResult(ctx context.Context, res callResult) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.inflight, res.positionID)

	pos, ok := m.positions[res.positionID]
	if !ok {
		m.cfg.Logger.Warn().Msgf("no position found for exchange result %s", res.positionID)
		return
	}

	switch res.kind {
	case entryCall:
		m.handleEntryResult(ctx, pos, res)
	case closeCall:
		m.handleCloseResult(pos, res)
	}
}

// handleEntryResult resolves the provided pending entry.
func (m *Manager) handleEntryResult(ctx context.Context, pos *Position, res callResult) {
	if pos.State != PendingEntry {
		m.cfg.Logger.Warn().Msgf("ignoring entry result for %s position %s",
			pos.State.String(), pos.ID)
		return
	}
	if res.orderID != "" {
		pos.OrderID = res.orderID
	}

	switch {
	case res.fill.Status == shared.Filled:
		size := res.fill.Size
		if !(size > 0) {
			size = pos.RequestedSize
		}
		openedAt := m.marketTime(pos.Market)
		if openedAt.IsZero() {
			openedAt = pos.Signal.Timestamp
		}

		if err := pos.Fill(res.fill.Price, size, openedAt, m.cfg.Now()); err != nil {
			m.degrade(pos, err)
			break
		}

		m.cfg.Metrics.RecordPositionOpened(pos.Market)
		m.cfg.Logger.Info().Msgf("opened %s position %s for %s, size %f @ %f with stop %f, target %f",
			pos.Direction.String(), pos.ID, pos.Market, pos.Size, pos.EntryPrice, pos.StopPrice,
			pos.TargetPrice)
		m.sendEvent(shared.PositionOpened, pos, fmt.Sprintf("opened %s position @ %f",
			pos.Direction.String(), pos.EntryPrice))

		if m.stopping {
			m.persist()
			m.beginExit(ctx, pos, shared.ShutdownExit, pos.EntryPrice)
			return
		}

	case res.fill.Status == shared.FillRejected:
		m.discard(pos, rejectExchange, fmt.Sprintf("fill rejected: %s", res.fill.Reason))

	case res.err != nil && errors.Is(res.err, shared.ErrRejected):
		m.discard(pos, rejectExchange, res.err.Error())

	case res.err != nil:
		m.degrade(pos, res.err)

	case res.timedOut:
		m.discard(pos, rejectTimeout, fmt.Sprintf("order %s cancelled after %v", pos.OrderID,
			m.cfg.FillTimeout))
	}

	m.persist()
}

// handleCloseResult resolves the provided pending exit.
func (m *Manager) handleCloseResult(pos *Position, res callResult) {
	if pos.State != PendingExit {
		m.cfg.Logger.Warn().Msgf("ignoring close result for %s position %s",
			pos.State.String(), pos.ID)
		return
	}
	if res.err != nil {
		m.degrade(pos, res.err)
		m.persist()
		return
	}

	m.finalize(pos, res.exitPrice)
}

// finalize closes the provided pending exit at the provided price and applies its
// realized profit or loss to the risk limit counters.
func (m *Manager) finalize(pos *Position, price float64) {
	closedAt := m.marketTime(pos.Market)
	pnl, err := pos.Close(price, closedAt, m.cfg.Now())
	if err != nil {
		m.degrade(pos, err)
		m.persist()
		return
	}

	m.remove(pos)
	for _, breach := range m.tracker.RecordClose(pnl) {
		m.cfg.Logger.Warn().Msgf("risk limit breached: %v", breach)
		m.sendEvent(shared.RiskLimitBreach, nil, breach.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeout)
	defer cancel()
	if err := m.cfg.Store.PersistClosedPosition(ctx, pos); err != nil {
		m.cfg.Logger.Error().Msgf("persisting closed position %s: %v", pos.ID, err)
	}

	m.cfg.Metrics.RecordPositionClosed(pos.Market, pos.ExitReason.String(), pnl)
	m.cfg.Logger.Info().Msgf("closed %s position %s for %s (%s) @ %f, realized %f",
		pos.Direction.String(), pos.ID, pos.Market, pos.ExitReason.String(), pos.ExitPrice, pnl)
	m.sendEvent(shared.PositionClosed, pos, fmt.Sprintf("closed %s position @ %f (%s)",
		pos.Direction.String(), pos.ExitPrice, pos.ExitReason.String()))

	m.persist()
}

// handleReset processes the provided reset signal.
func (m *Manager) handleReset(signal ResetSignal) {
	defer func() {
		if signal.Status != nil {
			select {
			case signal.Status <- shared.Processed:
			default:
			}
		}
	}()

	m.mtx.Lock()
	defer m.mtx.Unlock()

	switch signal.Kind {
	case DailyReset:
		m.tracker.ResetDaily(m.cfg.Now())
		m.cfg.Logger.Info().Msgf("daily risk counters reset, day start equity %f",
			m.tracker.Equity())
	case DrawdownReset:
		m.tracker.ResetDrawdown()
		m.cfg.Logger.Info().Msgf("drawdown reset, peak equity %f", m.tracker.Equity())
	default:
		m.cfg.Logger.Error().Msgf("unknown reset kind: %d", signal.Kind)
		return
	}

	m.persist()
}

// handleOverride processes the provided override signal.
func (m *Manager) handleOverride(signal OverrideSignal) {
	err := m.override(signal)
	if err != nil {
		m.cfg.Logger.Error().Msgf("overriding position %s: %v", signal.PositionID, err)
	}

	select {
	case signal.Response <- err:
	default:
	}
}

// override resolves the provided pending position manually.
func (m *Manager) override(signal OverrideSignal) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	pos, ok := m.positions[signal.PositionID]
	if !ok {
		return fmt.Errorf("no position found with id %s", signal.PositionID)
	}
	if _, busy := m.inflight[pos.ID]; busy {
		return fmt.Errorf("exchange call outstanding for position %s", pos.ID)
	}

	switch pos.State {
	case PendingEntry:
		m.discard(pos, rejectOverride, "manual override")
		m.persist()
		return nil
	case PendingExit:
		if !(signal.ExitPrice > 0) {
			return fmt.Errorf("exit price must be positive, got %f", signal.ExitPrice)
		}
		pos.ExitReason = shared.ManualOverride
		m.finalize(pos, signal.ExitPrice)
		return nil
	default:
		return fmt.Errorf("cannot override %s position %s", pos.State.String(), pos.ID)
	}
}

// shutdown stops accepting entries, closes open positions within the shutdown timeout
// and persists the final state.
func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
	defer cancel()

	m.mtx.Lock()
	m.stopping = true
	for _, pos := range m.sortedPositions() {
		live := m.positions[pos.ID]
		if _, busy := m.inflight[live.ID]; busy {
			continue
		}

		switch live.State {
		case Open:
			price := m.prices[live.Market]
			if !(price > 0) {
				price = live.EntryPrice
			}
			m.beginExit(ctx, live, shared.ShutdownExit, price)
		case PendingExit:
			m.dispatchClose(ctx, live)
		}
	}
	outstanding := len(m.inflight)
	m.mtx.Unlock()

	if outstanding > 0 {
		m.cfg.Logger.Info().Msgf("awaiting %d outstanding exchange calls", outstanding)
	}

drain:
	for outstanding > 0 {
		select {
		case res := <-m.results:
			m.handleResult(ctx, res)
		case <-ctx.Done():
			break drain
		}

		m.mtx.RLock()
		outstanding = len(m.inflight)
		m.mtx.RUnlock()
	}

	// Collect results that landed as the timeout elapsed.
	for {
		select {
		case res := <-m.results:
			m.handleResult(ctx, res)
			continue
		default:
		}
		break
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if len(m.inflight) > 0 {
		m.cfg.Logger.Warn().Msgf("shutdown timed out with %d exchange calls outstanding",
			len(m.inflight))
	}
	m.persist()
}

// Run manages the lifecycle processes of the position manager.
func (m *Manager) Run(ctx context.Context) {
	m.reconcilePositions(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			close(m.done)
			return
		case decision := <-m.decisions:
			m.handleDecision(ctx, decision)
		case signal := <-m.resets:
			m.handleReset(signal)
		case signal := <-m.overrides:
			m.handleOverride(signal)
		case res := <-m.results:
			m.handleResult(ctx, res)
		}
	}
}
