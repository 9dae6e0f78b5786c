package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dnldd/fusion/database"
	"github.com/dnldd/fusion/engine"
	"github.com/dnldd/fusion/exchange"
	"github.com/dnldd/fusion/market"
	"github.com/dnldd/fusion/metrics"
	"github.com/dnldd/fusion/notify"
	"github.com/dnldd/fusion/position"
	"github.com/dnldd/fusion/risk"
	"github.com/dnldd/fusion/shared"
	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

const (
	// StoreSQLite, StoreRqlite and StoreRedis are the supported state store kinds.
	StoreSQLite = "sqlite"
	StoreRqlite = "rqlite"
	StoreRedis  = "redis"

	// replaySettle is the wait after a replay for in-flight work to drain.
	replaySettle = time.Second * 2
)

// StoreConfig represents the state store configuration.
type StoreConfig struct {
	// Kind is the store kind, one of sqlite, rqlite or redis.
	Kind string
	// Path is the sqlite database file path.
	Path string
	// Endpoint, User and Pass address an rqlite cluster.
	Endpoint string
	User     string
	Pass     string
	// RedisAddr and RedisPassword address a redis server.
	RedisAddr     string
	RedisPassword string
}

// Validate asserts the config sane inputs.
func (cfg *StoreConfig) Validate() error {
	switch cfg.Kind {
	case StoreSQLite:
		if cfg.Path == "" {
			return fmt.Errorf("sqlite path cannot be an empty string")
		}
	case StoreRqlite:
		if cfg.Endpoint == "" {
			return fmt.Errorf("rqlite endpoint cannot be an empty string")
		}
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be an empty string")
		}
	default:
		return fmt.Errorf("unknown store kind %q", cfg.Kind)
	}

	return nil
}

// FusionConfig represents the configuration struct for the fusion service.
type FusionConfig struct {
	// Markets represents the tracked markets.
	Markets []string
	// Tuning is the numeric configuration of every component.
	Tuning *Tuning
	// Store is the state store configuration.
	Store StoreConfig
	// KafkaBrokers and KafkaTopic address the event topic. Events are only logged when
	// no brokers are set.
	KafkaBrokers []string
	KafkaTopic   string
	// Registerer registers the service metrics.
	Registerer prometheus.Registerer
	// ReplayFilepath is the filepath to recorded tick data to replay.
	ReplayFilepath string
	// Cancel is the context cancellation function.
	Cancel context.CancelFunc
}

// Validate asserts the config sane inputs.
func (cfg *FusionConfig) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no markets provided for fusion service"))
	}
	if cfg.Tuning == nil {
		errs = errors.Join(errs, fmt.Errorf("tuning cannot be nil"))
	}
	if err := cfg.Store.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		errs = errors.Join(errs, fmt.Errorf("kafka topic cannot be an empty string"))
	}
	if cfg.Registerer == nil {
		errs = errors.Join(errs, fmt.Errorf("metrics registerer cannot be nil"))
	}
	if cfg.Cancel == nil {
		errs = errors.Join(errs, fmt.Errorf("context cancellation function cannot be nil"))
	}

	return errs
}

// stateStore is a closable execution state store.
type stateStore interface {
	position.StateStore
	Close() error
}

// openStore connects the configured state store.
func openStore(ctx context.Context, cfg *StoreConfig, logger *zerolog.Logger) (stateStore, error) {
	switch cfg.Kind {
	case StoreSQLite:
		return database.NewSQLiteStore(ctx, &database.SQLiteConfig{
			Path:   cfg.Path,
			Logger: logger,
		})
	case StoreRqlite:
		return database.NewRqliteStore(ctx, &database.RqliteConfig{
			Endpoint: cfg.Endpoint,
			User:     cfg.User,
			Pass:     cfg.Pass,
			Timeout:  time.Second * 5,
			Logger:   logger,
		})
	case StoreRedis:
		return database.NewRedisStore(ctx, &database.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "fusion",
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

// Fusion represents the multi-timeframe signal fusion and execution service.
type Fusion struct {
	cfg             *FusionConfig
	recorder        *metrics.Recorder
	paper           *exchange.Paper
	store           stateStore
	marketManager   *market.Manager
	signalEngine    *engine.Engine
	positionManager *position.Manager
	publisher       *notify.Publisher
	replay          *shared.TickReplay
	jobScheduler    *gocron.Scheduler
	logger          *zerolog.Logger
	wg              sync.WaitGroup
}

// NewFusion initializes a new fusion service.
func NewFusion(ctx context.Context, cfg *FusionConfig) (*Fusion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating fusion config: %w", err)
	}

	var marketMgr *market.Manager
	var signalEngine *engine.Engine
	var positionMgr *position.Manager

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "fusion").Logger()
	tuning := cfg.Tuning

	timeframes, err := tuning.FetchTimeframes()
	if err != nil {
		return nil, err
	}
	execTimeframe, err := shared.ParseTimeframe(tuning.ExecutionTimeframe)
	if err != nil {
		return nil, err
	}
	weights, err := tuning.FetchWeights()
	if err != nil {
		return nil, err
	}

	recorder, err := metrics.NewRecorder(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("creating metrics recorder: %w", err)
	}

	storeLogger := logger.With().Str("component", "store").Logger()
	store, err := openStore(ctx, &cfg.Store, &storeLogger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Kind, err)
	}

	var writer notify.MessageWriter
	if len(cfg.KafkaBrokers) > 0 {
		kw, err := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating kafka writer: %w", err), store.Close())
		}
		writer = kw
	}

	publisherLogger := logger.With().Str("component", "publisher").Logger()
	publisher, err := notify.NewPublisher(&notify.PublisherConfig{
		Writer: writer,
		Logger: &publisherLogger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating publisher: %w", err), store.Close())
	}

	paperLogger := logger.With().Str("component", "paperexchange").Logger()
	paperCfg := tuning.Paper
	paperCfg.Logger = &paperLogger
	paper, err := exchange.NewPaper(&paperCfg)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating paper exchange: %w", err), store.Close())
	}

	candlesClosedFunc := func(ctx context.Context, signal shared.CandlesClosedSignal) error {
		if signalEngine == nil {
			return errors.New("signal engine not initialized")
		}

		return signalEngine.QueueCandlesClosed(ctx, signal)
	}

	sendDecisionFunc := func(ctx context.Context, decision shared.Decision) error {
		if positionMgr == nil {
			return errors.New("position manager not initialized")
		}

		return positionMgr.QueueDecision(ctx, decision)
	}

	fetchLastTicksFunc := func() map[string]time.Time {
		if marketMgr != nil {
			return marketMgr.FetchLastTicks()
		}

		return nil
	}

	marketMgrLogger := logger.With().Str("component", "marketmanager").Logger()
	marketMgr, err = market.NewManager(&market.ManagerConfig{
		Markets:             cfg.Markets,
		Timeframes:          timeframes,
		SeriesCapacity:      tuning.SeriesCapacity,
		SignalCandlesClosed: candlesClosedFunc,
		Metrics:             recorder,
		Logger:              &marketMgrLogger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating market manager: %w", err), store.Close())
	}

	calculator, err := risk.NewCalculator(&tuning.Risk)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating risk calculator: %w", err), store.Close())
	}

	fusionCfg := tuning.Fusion
	fusionCfg.Weights = weights

	engineLogger := logger.With().Str("component", "engine").Logger()
	signalEngine, err = engine.NewEngine(&engine.EngineConfig{
		Markets:            cfg.Markets,
		Timeframes:         timeframes,
		ExecutionTimeframe: execTimeframe,
		Trend:              &tuning.Trend,
		Cycle:              &tuning.Cycle,
		Fusion:             &fusionCfg,
		Risk:               calculator,
		ATRPeriod:          tuning.ATRPeriod,
		CoherenceHistory:   tuning.CoherenceHistory,
		DegradedAfter:      tuning.DegradedAfter,
		SendDecision:       sendDecisionFunc,
		SendEvent:          publisher.SendEvent,
		Metrics:            recorder,
		Logger:             &engineLogger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating engine: %w", err), store.Close())
	}

	positionMgrLogger := logger.With().Str("component", "positionmanager").Logger()
	positionMgr, err = position.NewManager(&position.ManagerConfig{
		Markets:          cfg.Markets,
		Exchange:         paper,
		Store:            store,
		Limits:           tuning.Limits,
		Capital:          tuning.Capital,
		Exits:            &tuning.Exits,
		Retry:            &tuning.Retry,
		FillTimeout:      tuning.FillTimeout,
		FillPollInterval: tuning.FillPollInterval,
		CallTimeout:      tuning.CallTimeout,
		ShutdownTimeout:  tuning.ShutdownTimeout,
		FetchLastTicks:   fetchLastTicksFunc,
		SendEvent:        publisher.SendEvent,
		Metrics:          recorder,
		Logger:           &positionMgrLogger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating position manager: %w", err), store.Close())
	}

	service := &Fusion{
		cfg:             cfg,
		recorder:        recorder,
		paper:           paper,
		store:           store,
		marketManager:   marketMgr,
		signalEngine:    signalEngine,
		positionManager: positionMgr,
		publisher:       publisher,
		logger:          &logger,
	}

	if cfg.ReplayFilepath != "" {
		replayLogger := logger.With().Str("component", "tickreplay").Logger()
		replay, err := shared.NewTickReplay(&shared.TickReplayConfig{
			FilePath: cfg.ReplayFilepath,
			SendTick: service.QueueTick,
			Logger:   &replayLogger,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating tick replay: %w", err), store.Close())
		}
		if !slices.Contains(cfg.Markets, replay.FetchMarket()) {
			return nil, errors.Join(fmt.Errorf("replayed market %s is not tracked", replay.FetchMarket()),
				store.Close())
		}

		service.replay = replay
	}

	jobScheduler := gocron.NewScheduler(time.UTC)
	_, err = jobScheduler.Every(1).Day().At(tuning.DailyReset).Do(func() {
		positionMgr.SendReset(position.NewResetSignal(position.DailyReset))
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("scheduling daily reset: %w", err), store.Close())
	}
	service.jobScheduler = jobScheduler

	return service, nil
}

// SendTick relays the provided live tick to the paper exchange and the market manager.
func (f *Fusion) SendTick(tick shared.Tick) {
	f.paper.UpdatePrice(tick)
	f.marketManager.SendTick(tick)
}

// QueueTick relays the provided tick, blocking until the market manager queues it.
func (f *Fusion) QueueTick(ctx context.Context, tick shared.Tick) error {
	f.paper.UpdatePrice(tick)
	return f.marketManager.QueueTick(ctx, tick)
}

// SendOverride relays a manual resolution of a degraded position.
func (f *Fusion) SendOverride(signal position.OverrideSignal) {
	f.positionManager.SendOverride(signal)
}

// FetchPositions returns the positions currently tracked.
func (f *Fusion) FetchPositions() []*position.Position {
	return f.positionManager.FetchPositions()
}

// Restore resumes execution state from the state store. It must be called before Run.
func (f *Fusion) Restore(ctx context.Context) error {
	lastTicks, err := f.positionManager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring positions: %w", err)
	}

	f.marketManager.Restore(lastTicks)

	return nil
}

// Run handles the lifecycle processes of the fusion service.
func (f *Fusion) Run(ctx context.Context) {
	// The publisher outlives the other components so shutdown events are delivered.
	publisherCtx, cancelPublisher := context.WithCancel(context.Background())
	publisherDone := make(chan struct{})
	go func() {
		f.publisher.Run(publisherCtx)
		close(publisherDone)
	}()

	f.jobScheduler.StartAsync()

	f.wg.Add(3)

	go func() {
		f.marketManager.Run(ctx)
		f.wg.Done()
	}()

	go func() {
		f.signalEngine.Run(ctx)
		f.wg.Done()
	}()

	go func() {
		f.positionManager.Run(ctx)
		f.wg.Done()
	}()

	if f.replay != nil {
		go func() {
			err := f.replay.Replay(ctx)
			if err != nil {
				f.logger.Error().Err(err).Msg("replaying ticks")
				f.cfg.Cancel()
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(replaySettle):
			}

			f.logger.Info().Msgf("replay of %s done, %d positions tracked",
				f.replay.FetchMarket(), len(f.positionManager.FetchPositions()))
			f.cfg.Cancel()
		}()
	}

	f.wg.Wait()
	f.jobScheduler.Stop()

	cancelPublisher()
	<-publisherDone

	if err := f.store.Close(); err != nil {
		f.logger.Error().Err(err).Msg("closing state store")
	}
}
