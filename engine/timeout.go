package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/dbftberry/types"
)

const (
	// timeoutChannelSize is the buffer size for timeout channels
	timeoutChannelSize = 100
)

// Clock is the time source for view timeouts
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TimeoutInfo represents a view timeout
type TimeoutInfo struct {
	Duration time.Duration
	Height   uint64
	View     types.ViewNumber
}

// TimeoutConfig holds timeout configuration
type TimeoutConfig struct {
	// BlockTime is the timeout of view 0
	BlockTime time.Duration
	// MaxBackoffShift caps the doubling: timeout = BlockTime << min(view, MaxBackoffShift)
	MaxBackoffShift uint
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		BlockTime:       15 * time.Second,
		MaxBackoffShift: 4,
	}
}

// ViewTimeout returns the timeout for view
func (c TimeoutConfig) ViewTimeout(view types.ViewNumber) time.Duration {
	return c.BlockTime << min(uint(view), c.MaxBackoffShift)
}

// TimeoutTicker fires once per scheduled view timeout. Scheduling a new
// timeout replaces the pending one.
type TimeoutTicker struct {
	mu     sync.Mutex
	config TimeoutConfig
	logger *zap.Logger

	timer   *time.Timer
	tickCh  chan TimeoutInfo
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	running bool

	// Metrics
	droppedTimeouts uint64
}

// NewTimeoutTicker creates a new TimeoutTicker
func NewTimeoutTicker(config TimeoutConfig, logger *zap.Logger) *TimeoutTicker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeoutTicker{
		config: config,
		logger: logger.Named("timeout"),
		tickCh: make(chan TimeoutInfo, timeoutChannelSize),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
		stopCh: make(chan struct{}),
	}
}

// Start starts the timeout ticker
func (tt *TimeoutTicker) Start() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tt.running {
		return
	}
	tt.running = true

	go tt.run()
}

// Stop stops the timeout ticker
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if !tt.running {
		return
	}
	tt.running = false

	close(tt.stopCh)
	if tt.timer != nil {
		tt.timer.Stop()
	}
}

// Chan returns the channel that delivers timeout events
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout schedules the timeout for (ti.Height, ti.View). A zero
// Duration is replaced by the configured view timeout.
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	select {
	case tt.tickCh <- ti:
	case <-tt.stopCh:
	}
}

func (tt *TimeoutTicker) run() {
	for {
		select {
		case <-tt.stopCh:
			return

		case ti := <-tt.tickCh:
			tt.mu.Lock()
			if tt.timer != nil {
				tt.timer.Stop()
			}

			if ti.Duration <= 0 {
				ti.Duration = tt.config.ViewTimeout(ti.View)
			}
			tiCopy := ti

			tt.timer = time.AfterFunc(ti.Duration, func() {
				select {
				case tt.tockCh <- tiCopy:
				case <-tt.stopCh:
				default:
					count := atomic.AddUint64(&tt.droppedTimeouts, 1)
					tt.logger.Warn("dropped timeout due to full channel",
						zap.Uint64("height", tiCopy.Height),
						zap.Uint8("view", uint8(tiCopy.View)),
						zap.Uint64("total_dropped", count))
				}
			})
			tt.mu.Unlock()
		}
	}
}

// ViewTimeout returns the configured timeout for view
func (tt *TimeoutTicker) ViewTimeout(view types.ViewNumber) time.Duration {
	return tt.config.ViewTimeout(view)
}

// DroppedTimeouts returns the number of timeouts dropped due to full channel
func (tt *TimeoutTicker) DroppedTimeouts() uint64 {
	return atomic.LoadUint64(&tt.droppedTimeouts)
}
