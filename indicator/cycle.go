package indicator

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"slices"

	"github.com/dnldd/fusion/shared"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// flatAmplitude is the reconstruction amplitude, relative to the mean close, below which
// the series carries no cycle.
const flatAmplitude = 1e-9

// SpectralSignal represents the denoised oscillator output of a cycle extractor.
type SpectralSignal struct {
	// Score is the reconstructed series' recent slope scaled to [-1, 1].
	Score float64
	// DominantPeriod is the period, in candles, of the strongest retained component.
	DominantPeriod float64
	// Harmonics is the number of frequency components retained.
	Harmonics int
	// Ready indicates the window was long enough to decompose.
	Ready bool
}

// CycleConfig represents the frequency-domain cycle extractor configuration.
type CycleConfig struct {
	// Window is the maximum number of closes decomposed per update.
	Window int `yaml:"window" default:"128" validate:"gte=4"`
	// MinWindow is the minimum number of closes required to decompose.
	MinWindow int `yaml:"min_window" default:"16" validate:"gte=4"`
	// Harmonics is the number of strongest components retained.
	Harmonics int `yaml:"harmonics" default:"3" validate:"gte=1"`
	// SlopeLookback is the number of candles the recent slope is measured over.
	SlopeLookback int `yaml:"slope_lookback" default:"3" validate:"gte=1"`
}

// Validate asserts the config sane inputs.
func (cfg *CycleConfig) Validate() error {
	var errs error

	if cfg.MinWindow < 4 {
		errs = errors.Join(errs, fmt.Errorf("min window must be at least 4, got %d", cfg.MinWindow))
	}
	if cfg.Window < cfg.MinWindow {
		errs = errors.Join(errs, fmt.Errorf("window (%d) cannot be less than min window (%d)",
			cfg.Window, cfg.MinWindow))
	}
	if cfg.Harmonics < 1 {
		errs = errors.Join(errs, fmt.Errorf("harmonics must be at least 1, got %d", cfg.Harmonics))
	}
	if cfg.SlopeLookback < 1 || cfg.SlopeLookback >= cfg.MinWindow {
		errs = errors.Join(errs, fmt.Errorf("slope lookback must be in [1, %d), got %d",
			cfg.MinWindow, cfg.SlopeLookback))
	}

	return errs
}

// CycleExtractor derives a denoised oscillator from a candle series by keeping only its
// strongest frequency components. Every update recomputes from the provided window.
type CycleExtractor struct {
	cfg   *CycleConfig
	plans map[int]*fourier.FFT
}

// NewCycleExtractor initializes a new cycle extractor.
func NewCycleExtractor(cfg *CycleConfig) (*CycleExtractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &CycleExtractor{
		cfg:   cfg,
		plans: make(map[int]*fourier.FFT),
	}, nil
}

// plan returns a cached transform for the provided sequence length.
func (c *CycleExtractor) plan(n int) *fourier.FFT {
	fft, ok := c.plans[n]
	if !ok {
		fft = fourier.NewFFT(n)
		c.plans[n] = fft
	}

	return fft
}

// Reconstruct returns the denoised detrended series of the provided closes alongside the
// retained bin indices, strongest first.
func (c *CycleExtractor) Reconstruct(closes []float64) ([]float64, []int) {
	n := len(closes)
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}

	alpha, beta := stat.LinearRegression(xs, closes, nil, false)
	residual := make([]float64, n)
	for i := range closes {
		residual[i] = closes[i] - (alpha + beta*xs[i])
	}

	fft := c.plan(n)
	coeffs := fft.Coefficients(nil, residual)

	// Rank the non-constant bins by magnitude.
	bins := make([]int, 0, len(coeffs)-1)
	for k := 1; k < len(coeffs); k++ {
		bins = append(bins, k)
	}
	slices.SortStableFunc(bins, func(a, b int) int {
		return cmp.Compare(cmplx.Abs(coeffs[b]), cmplx.Abs(coeffs[a]))
	})

	keep := min(c.cfg.Harmonics, len(bins))
	retained := bins[:keep]
	filtered := make([]complex128, len(coeffs))
	for _, k := range retained {
		filtered[k] = coeffs[k]
	}

	recon := fft.Sequence(nil, filtered)
	scale := 1 / float64(n)
	for i := range recon {
		recon[i] *= scale
	}

	return recon, slices.Clone(retained)
}

// Update recomputes the spectral signal over the provided window, oldest first.
func (c *CycleExtractor) Update(window []*shared.Candlestick) SpectralSignal {
	if len(window) > c.cfg.Window {
		window = window[len(window)-c.cfg.Window:]
	}
	if len(window) < c.cfg.MinWindow {
		return SpectralSignal{}
	}

	closes := shared.Closes(window)
	n := len(closes)
	recon, retained := c.Reconstruct(closes)

	signal := SpectralSignal{
		Harmonics: len(retained),
		Ready:     true,
	}
	if len(retained) == 0 {
		return signal
	}
	signal.DominantPeriod = float64(n) / float64(retained[0])

	var amplitude float64
	for _, v := range recon {
		amplitude = math.Max(amplitude, math.Abs(v))
	}
	if amplitude <= flatAmplitude*math.Abs(stat.Mean(closes, nil)) {
		return signal
	}

	// The steepest slope of a sinusoid with the dominant period and the reconstruction's
	// amplitude bounds the measured slope.
	lookback := c.cfg.SlopeLookback
	slope := (recon[n-1] - recon[n-1-lookback]) / float64(lookback)
	maxSlope := 2 * math.Pi * amplitude / signal.DominantPeriod
	signal.Score = clip(slope/maxSlope, -1, 1)

	return signal
}
