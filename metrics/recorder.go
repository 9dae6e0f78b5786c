package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fusion"

// Recorder records pipeline metrics to prometheus.
type Recorder struct {
	ticks           *prometheus.CounterVec
	candles         *prometheus.CounterVec
	signals         *prometheus.CounterVec
	coldTimeframes  *prometheus.GaugeVec
	filterResets    *prometheus.CounterVec
	positionsOpened *prometheus.CounterVec
	positionsClosed *prometheus.CounterVec
	realizedPnL     *prometheus.CounterVec
	exchangeErrors  *prometheus.CounterVec
	entriesRejected *prometheus.CounterVec
	equity          prometheus.Gauge
	dailyPnL        prometheus.Gauge
	drawdown        prometheus.Gauge
}

// NewRecorder initializes a new recorder registering its collectors with the provided
// registerer.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		return nil, errors.New("registerer cannot be nil")
	}

	factory := promauto.With(reg)
	return &Recorder{
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "ticks_total",
			Help:      "Ticks processed by market and status",
		}, []string{"market", "status"}),
		candles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "candles_closed_total",
			Help:      "Candles closed by market, timeframe and origin",
		}, []string{"market", "timeframe", "synthetic"}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "signals_total",
			Help:      "Fused signals by market and outcome",
		}, []string{"market", "actionable", "boosted"}),
		coldTimeframes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cold_timeframes",
			Help:      "Timeframes with untrusted estimates by market",
		}, []string{"market"}),
		filterResets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "filter_resets_total",
			Help:      "Diverged trend filter resets by market and timeframe",
		}, []string{"market", "timeframe"}),
		positionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "opened_total",
			Help:      "Positions opened by market",
		}, []string{"market"}),
		positionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "closed_total",
			Help:      "Positions closed by market and exit reason",
		}, []string{"market", "reason"}),
		realizedPnL: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "realized_pnl_total",
			Help:      "Absolute realized profit and loss by market and sign",
		}, []string{"market", "sign"}),
		exchangeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "errors_total",
			Help:      "Failed exchange calls by operation",
		}, []string{"operation"}),
		entriesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "entries_rejected_total",
			Help:      "Refused or failed entries by reason",
		}, []string{"reason"}),
		equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "equity",
			Help:      "Current equity",
		}),
		dailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "daily_pnl",
			Help:      "Profit and loss realized since the last daily reset",
		}),
		drawdown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "drawdown_ratio",
			Help:      "Drawdown from peak equity",
		}),
	}, nil
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// RecordTick records a processed tick.
func (r *Recorder) RecordTick(market string, status string) {
	r.ticks.WithLabelValues(market, status).Inc()
}

// RecordCandle records a closed candle.
func (r *Recorder) RecordCandle(market string, timeframe string, synthetic bool) {
	r.candles.WithLabelValues(market, timeframe, boolLabel(synthetic)).Inc()
}

// RecordSignal records a fused signal.
func (r *Recorder) RecordSignal(market string, actionable bool, boosted bool) {
	r.signals.WithLabelValues(market, boolLabel(actionable), boolLabel(boosted)).Inc()
}

// SetColdTimeframes sets the number of cold timeframes of a market.
func (r *Recorder) SetColdTimeframes(market string, count int) {
	r.coldTimeframes.WithLabelValues(market).Set(float64(count))
}

// RecordFilterReset records a diverged trend filter reset.
func (r *Recorder) RecordFilterReset(market string, timeframe string) {
	r.filterResets.WithLabelValues(market, timeframe).Inc()
}

// RecordPositionOpened records an opened position.
func (r *Recorder) RecordPositionOpened(market string) {
	r.positionsOpened.WithLabelValues(market).Inc()
}

// RecordPositionClosed records a closed position and its realized profit or loss.
func (r *Recorder) RecordPositionClosed(market string, reason string, pnl float64) {
	r.positionsClosed.WithLabelValues(market, reason).Inc()
	switch {
	case pnl > 0:
		r.realizedPnL.WithLabelValues(market, "profit").Add(pnl)
	case pnl < 0:
		r.realizedPnL.WithLabelValues(market, "loss").Add(-pnl)
	}
}

// RecordExchangeError records a failed exchange call.
func (r *Recorder) RecordExchangeError(operation string) {
	r.exchangeErrors.WithLabelValues(operation).Inc()
}

// RecordEntryRejected records a refused or failed entry.
func (r *Recorder) RecordEntryRejected(reason string) {
	r.entriesRejected.WithLabelValues(reason).Inc()
}

// SetRiskState sets the current equity, daily profit and loss and drawdown.
func (r *Recorder) SetRiskState(equity float64, dailyPnL float64, drawdown float64) {
	r.equity.Set(equity)
	r.dailyPnL.Set(dailyPnL)
	r.drawdown.Set(drawdown)
}
