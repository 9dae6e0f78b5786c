package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dnldd/fusion/shared"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// PaperConfig represents the paper exchange configuration.
type PaperConfig struct {
	// OrdersPerSecond is the sustained exchange call rate.
	OrdersPerSecond float64 `yaml:"orders_per_second" default:"25" validate:"gt=0"`
	// Burst is the exchange call burst size.
	Burst int `yaml:"burst" default:"30" validate:"gte=1"`
	// FillLatency is the delay before a submitted order fills.
	FillLatency time.Duration `yaml:"fill_latency" default:"250ms" validate:"gte=0"`
	// Slippage is the adverse fill price fraction.
	Slippage float64 `yaml:"slippage" default:"0.0005" validate:"gte=0,lt=0.1"`
	// RejectRate is the fraction of orders rejected.
	RejectRate float64 `yaml:"reject_rate" default:"0" validate:"gte=0,lt=1"`
	// Seed seeds the rejection draws.
	Seed uint64 `yaml:"seed" default:"1"`
	// Now returns the current time, defaults to time.Now.
	Now func() time.Time `yaml:"-"`
	// Logger represents the application logger.
	Logger *zerolog.Logger `yaml:"-"`
}

// Validate asserts the config sane inputs.
func (cfg *PaperConfig) Validate() error {
	var errs error

	if cfg.OrdersPerSecond <= 0 {
		errs = errors.Join(errs, fmt.Errorf("orders per second must be positive, got %f",
			cfg.OrdersPerSecond))
	}
	if cfg.Burst < 1 {
		errs = errors.Join(errs, fmt.Errorf("burst must be at least 1, got %d", cfg.Burst))
	}
	if cfg.FillLatency < 0 {
		errs = errors.Join(errs, fmt.Errorf("fill latency cannot be negative"))
	}
	if cfg.Slippage < 0 || cfg.Slippage >= 0.1 {
		errs = errors.Join(errs, fmt.Errorf("slippage must be in [0, 0.1), got %f", cfg.Slippage))
	}
	if cfg.RejectRate < 0 || cfg.RejectRate >= 1 {
		errs = errors.Join(errs, fmt.Errorf("reject rate must be in [0, 1), got %f", cfg.RejectRate))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// paperOrder represents a simulated order.
type paperOrder struct {
	id          string
	req         shared.OrderRequest
	price       float64
	submittedAt time.Time
	cancelled   bool
}

// Paper is an in-process simulated exchange. Orders fill at the latest known market
// price after the configured latency. Submissions and closes are idempotent by client
// order id and position id respectively.
type Paper struct {
	cfg     *PaperConfig
	limiter *rate.Limiter
	mtx     sync.Mutex
	prices  map[string]float64
	orders  map[string]*paperOrder
	clients map[string]string
	closes  map[string]float64
	rng     *rand.Rand
}

// NewPaper initializes a new paper exchange.
func NewPaper(cfg *PaperConfig) (*Paper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating paper exchange config: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Paper{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), cfg.Burst),
		prices:  make(map[string]float64),
		orders:  make(map[string]*paperOrder),
		clients: make(map[string]string),
		closes:  make(map[string]float64),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// UpdatePrice records the provided tick's price as the latest market price.
func (p *Paper) UpdatePrice(tick shared.Tick) {
	if !(tick.Price > 0) {
		return
	}

	p.mtx.Lock()
	p.prices[tick.Market] = tick.Price
	p.mtx.Unlock()
}

// slip applies adverse slippage to the provided price for a trade in the provided
// direction.
func (p *Paper) slip(price float64, direction shared.Direction) float64 {
	switch direction {
	case shared.Long:
		return price * (1 + p.cfg.Slippage)
	case shared.Short:
		return price * (1 - p.cfg.Slippage)
	default:
		return price
	}
}

// SubmitOrder submits the provided order, returning its order id.
func (p *Paper) SubmitOrder(ctx context.Context, req shared.OrderRequest) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("awaiting rate limit: %w", err)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if id, ok := p.clients[req.ClientID]; ok {
		return id, nil
	}

	switch {
	case req.ClientID == "":
		return "", shared.NewRejectedError("client id required")
	case req.Direction == shared.Flat:
		return "", shared.NewRejectedError("order direction required")
	case !(req.Size > 0):
		return "", shared.NewRejectedError(fmt.Sprintf("invalid order size %f", req.Size))
	}

	price, ok := p.prices[req.Market]
	if !ok {
		return "", shared.NewRejectedError(fmt.Sprintf("no price for %s", req.Market))
	}
	if p.cfg.RejectRate > 0 && p.rng.Float64() < p.cfg.RejectRate {
		return "", shared.NewRejectedError("simulated rejection")
	}

	order := &paperOrder{
		id:          uuid.New().String(),
		req:         req,
		price:       p.slip(price, req.Direction),
		submittedAt: p.cfg.Now(),
	}
	p.orders[order.id] = order
	p.clients[req.ClientID] = order.id

	p.cfg.Logger.Debug().Msgf("paper order %s: %s %f %s @ %f", order.id, req.Direction.String(),
		req.Size, req.Market, order.price)
	return order.id, nil
}

// filled reports whether the provided order has filled.
func (p *Paper) filled(order *paperOrder) bool {
	return !order.cancelled && p.cfg.Now().Sub(order.submittedAt) >= p.cfg.FillLatency
}

// QueryFill fetches the fill state of the provided order.
func (p *Paper) QueryFill(ctx context.Context, orderID string) (shared.Fill, error) {
	if err := ctx.Err(); err != nil {
		return shared.Fill{}, err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	order, ok := p.orders[orderID]
	switch {
	case !ok:
		return shared.Fill{}, shared.NewRejectedError(fmt.Sprintf("unknown order %s", orderID))
	case order.cancelled:
		return shared.Fill{Status: shared.FillRejected, Reason: "cancelled"}, nil
	case p.filled(order):
		return shared.Fill{Status: shared.Filled, Price: order.price, Size: order.req.Size}, nil
	default:
		return shared.Fill{Status: shared.FillPending}, nil
	}
}

// CancelOrder cancels the provided unfilled order.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("awaiting rate limit: %w", err)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	order, ok := p.orders[orderID]
	switch {
	case !ok:
		return shared.NewRejectedError(fmt.Sprintf("unknown order %s", orderID))
	case order.cancelled:
		return nil
	case p.filled(order):
		return shared.NewRejectedError(fmt.Sprintf("order %s already filled", orderID))
	}

	order.cancelled = true
	return nil
}

// ClosePosition closes the provided position at the latest market price, falling back
// to the reference price.
func (p *Paper) ClosePosition(ctx context.Context, req shared.CloseRequest) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("awaiting rate limit: %w", err)
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if price, ok := p.closes[req.PositionID]; ok {
		return price, nil
	}
	if !(req.Size > 0) {
		return 0, shared.NewRejectedError(fmt.Sprintf("invalid close size %f", req.Size))
	}

	price, ok := p.prices[req.Market]
	if !ok {
		price = req.ReferencePrice
	}
	if !(price > 0) {
		return 0, shared.NewRejectedError(fmt.Sprintf("no price for %s", req.Market))
	}

	exit := p.slip(price, req.Direction.Opposite())
	p.closes[req.PositionID] = exit

	p.cfg.Logger.Debug().Msgf("paper close %s: %s %f %s @ %f", req.PositionID,
		req.Direction.String(), req.Size, req.Market, exit)
	return exit, nil
}
