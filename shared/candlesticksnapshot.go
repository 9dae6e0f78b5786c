package shared

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// CandlestickSnapshot represents a fixed capacity series of closed candlesticks for
// a single timeframe. The oldest entry is evicted once the snapshot is at capacity.
type CandlestickSnapshot struct {
	data      []*Candlestick
	dataMtx   sync.RWMutex
	timeframe Timeframe
	start     atomic.Int32
	count     atomic.Int32
	size      atomic.Int32
}

// NewCandlestickSnapshot initializes a new candlestick snapshot.
func NewCandlestickSnapshot(size int32, timeframe Timeframe) (*CandlestickSnapshot, error) {
	if size < 0 {
		return nil, errors.New("snapshot size cannot be negative")
	}
	if size == 0 {
		return nil, errors.New("snapshot size cannot be zero")
	}

	snapshot := &CandlestickSnapshot{
		data:      make([]*Candlestick, size),
		timeframe: timeframe,
	}

	snapshot.size.Store(size)
	return snapshot, nil
}

// Timeframe returns the timeframe of the snapshot.
func (s *CandlestickSnapshot) Timeframe() Timeframe {
	return s.timeframe
}

// Update adds the provided closed candlestick to the snapshot.
func (s *CandlestickSnapshot) Update(candle *Candlestick) error {
	if candle == nil {
		return errors.New("candle cannot be nil")
	}
	if candle.Timeframe != s.timeframe {
		return fmt.Errorf("unexpected %s candle provided for %s snapshot",
			candle.Timeframe.String(), s.timeframe.String())
	}
	if !candle.Closed {
		return fmt.Errorf("only closed candles can be added to the %s snapshot", s.timeframe.String())
	}

	s.dataMtx.Lock()
	defer s.dataMtx.Unlock()

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()
	end := (start + count) % size
	s.data[end] = candle

	if count == size {
		// Overwrite the oldest entry when the snapshot is at capacity.
		s.start.Store((start + 1) % size)
	} else {
		s.count.Add(1)
	}

	return nil
}

// Len returns the number of candles held by the snapshot.
func (s *CandlestickSnapshot) Len() int32 {
	return s.count.Load()
}

// Capacity returns the maximum number of candles held by the snapshot.
func (s *CandlestickSnapshot) Capacity() int32 {
	return s.size.Load()
}

// Last returns the last added entry for the snapshot.
func (s *CandlestickSnapshot) Last() *Candlestick {
	s.dataMtx.RLock()
	defer s.dataMtx.RUnlock()

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()
	if count == 0 {
		return nil
	}

	end := (start + count - 1) % size
	return s.data[end]
}

// LastN fetches the last n number of elements from the snapshot, oldest first.
func (s *CandlestickSnapshot) LastN(n int32) []*Candlestick {
	s.dataMtx.RLock()
	defer s.dataMtx.RUnlock()

	if n <= 0 {
		return nil
	}

	start := s.start.Load()
	count := s.count.Load()
	size := s.size.Load()

	// Clamp the number of elements expected if it is greater than the snapshot count.
	if n > count {
		n = count
	}

	set := make([]*Candlestick, n)
	start = (start + count - n + size) % size

	for i := range n {
		idx := (start + i) % size
		set[i] = s.data[idx]
	}

	return set
}

// All returns every candle held by the snapshot, oldest first.
func (s *CandlestickSnapshot) All() []*Candlestick {
	return s.LastN(s.size.Load())
}

// Closes returns the close prices of the provided candles.
func Closes(candles []*Candlestick) []float64 {
	closes := make([]float64, len(candles))
	for idx := range candles {
		closes[idx] = candles[idx].Close
	}

	return closes
}

// AverageRange returns the mean high-low range of the last n provided candles.
func AverageRange(candles []*Candlestick, n int) float64 {
	if n <= 0 || len(candles) == 0 {
		return 0
	}
	if n > len(candles) {
		n = len(candles)
	}

	var sum float64
	for _, candle := range candles[len(candles)-n:] {
		sum += candle.Range()
	}

	return sum / float64(n)
}
