// Package monitor implements per-endpoint health and latency tracking:
// rolling call rate, error rate, 429 rate, average latency, and a derived
// healthy flag with hysteresis.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes the rolling windows and health thresholds. All fields have
// sane defaults via DefaultConfig.
type Config struct {
	// Window is the rolling window used for callRate/errorRate/error429Rate.
	Window time.Duration
	// ErrorRateThreshold flips healthy=false when errorRate exceeds it.
	ErrorRateThreshold float64
	// Error429RateThreshold is the tighter threshold for 429s.
	Error429RateThreshold float64
	// RecoveryFloor is the rate both rates must drop to or below before
	// healthy can flip back to true (hysteresis).
	RecoveryFloor float64
	// RecoveryWindow is how long both rates must stay under RecoveryFloor
	// before healthy flips back to true.
	RecoveryWindow time.Duration
	// SnapshotInterval is how often the background debug snapshot runs.
	SnapshotInterval time.Duration
}

// DefaultConfig returns the default windows and thresholds.
func DefaultConfig() Config {
	return Config{
		Window:                30 * time.Second,
		ErrorRateThreshold:    0.5,
		Error429RateThreshold: 0.2,
		RecoveryFloor:         0.1,
		RecoveryWindow:        10 * time.Second,
		SnapshotInterval:      30 * time.Second,
	}
}

type sample struct {
	at       time.Time
	duration time.Duration
	isError  bool
	is429    bool
}

// Monitor tracks one endpoint's rolling call statistics. Zero value is not
// usable; construct with New. Safe for concurrent use: writes come only
// from the executor (start/end/error hooks) and the health-flip
// evaluation; reads are lock-free where possible.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	samples []sample

	inFlight    atomic.Int64
	healthySince atomic.Value // time.Time, zero means "unhealthy, watching"
	healthy     atomic.Bool

	nextCallID atomic.Uint64
	starts     sync.Map // callID -> time.Time
}

// New constructs a Monitor starting in the healthy state.
func New(cfg Config) *Monitor {
	m := &Monitor{cfg: cfg}
	m.healthy.Store(true)
	return m
}

// StartCall records the start of an outbound attempt and returns an opaque
// callID to pass to EndCall/IncrementErrorCount.
func (m *Monitor) StartCall() string {
	id := m.nextCallID.Add(1)
	callID := formatCallID(id)
	m.starts.Store(callID, time.Now())
	m.inFlight.Add(1)
	return callID
}

// EndCall records a successful completion and returns the measured duration.
// In-flight calls do not contribute to avgCallDuration until they end.
func (m *Monitor) EndCall(callID string) time.Duration {
	d := m.finish(callID)
	m.record(sample{at: time.Now(), duration: d, isError: false})
	return d
}

// IncrementErrorCount records a failed/errored attempt and returns the
// duration so the caller can report it alongside the error. status==429 is
// additionally counted toward error429Rate.
func (m *Monitor) IncrementErrorCount(callID string, status int) time.Duration {
	d := m.finish(callID)
	m.record(sample{at: time.Now(), duration: d, isError: true, is429: status == 429})
	return d
}

// CancelCall records that an in-flight call was cancelled (a hedge-race
// loser, or a caller abort) without contributing to callRate, errorRate,
// or avgCallDuration in either direction: a cancelled attempt never
// degrades health. Only the in-flight counter and the call's start-time
// bookkeeping are cleared.
func (m *Monitor) CancelCall(callID string) time.Duration {
	return m.finish(callID)
}

func (m *Monitor) finish(callID string) time.Duration {
	m.inFlight.Add(-1)
	v, ok := m.starts.LoadAndDelete(callID)
	if !ok {
		return 0
	}
	return time.Since(v.(time.Time))
}

func (m *Monitor) record(s sample) {
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.pruneLocked(s.at)
	m.evaluateHealthLocked(s.at)
	m.mu.Unlock()
}

// pruneLocked drops samples outside the rolling window. Caller holds mu.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

// evaluateHealthLocked applies the hysteresis rule: unhealthy as soon as
// either rate crosses its threshold, healthy again only after both stay
// under the recovery floor for the full recovery window. Caller holds mu.
func (m *Monitor) evaluateHealthLocked(now time.Time) {
	errRate, err429Rate := m.ratesLocked(now)
	unhealthy := errRate > m.cfg.ErrorRateThreshold || err429Rate > m.cfg.Error429RateThreshold
	if unhealthy {
		m.healthy.Store(false)
		m.healthySince.Store(time.Time{})
		return
	}

	if errRate <= m.cfg.RecoveryFloor && err429Rate <= m.cfg.RecoveryFloor {
		since, _ := m.healthySince.Load().(time.Time)
		if since.IsZero() {
			m.healthySince.Store(now)
			return
		}
		if now.Sub(since) >= m.cfg.RecoveryWindow {
			m.healthy.Store(true)
		}
	} else {
		m.healthySince.Store(time.Time{})
	}
}

func (m *Monitor) ratesLocked(now time.Time) (errorRate, error429Rate float64) {
	cutoff := now.Add(-m.cfg.Window)
	var total, errs, err429s int
	for _, s := range m.samples {
		if s.at.Before(cutoff) {
			continue
		}
		total++
		if s.isError {
			errs++
		}
		if s.is429 {
			err429s++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), float64(err429s) / float64(total)
}

// GetAverageCallDuration returns the time-weighted mean latency of recent
// completed (non-error) calls in the rolling window.
func (m *Monitor) GetAverageCallDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())

	var total time.Duration
	var n int
	for _, s := range m.samples {
		if s.isError {
			continue
		}
		total += s.duration
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// GetPeakCallRate returns calls/second over the rolling window.
func (m *Monitor) GetPeakCallRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())
	if m.cfg.Window <= 0 || len(m.samples) == 0 {
		return 0
	}
	return float64(len(m.samples)) / m.cfg.Window.Seconds()
}

// GetErrorRate returns the fraction of calls that errored over the window.
func (m *Monitor) GetErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, _ := m.ratesLocked(time.Now())
	return r
}

// GetError429Rate returns the fraction of calls that returned 429 over the window.
func (m *Monitor) GetError429Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, r := m.ratesLocked(time.Now())
	return r
}

// Healthy reports the derived health flag.
func (m *Monitor) Healthy() bool {
	return m.healthy.Load()
}

// InFlight reports the number of calls currently started but not ended.
func (m *Monitor) InFlight() int64 {
	return m.inFlight.Load()
}

func formatCallID(n uint64) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hex[n&0xf]
		n >>= 4
	}
	return string(buf[i:])
}

// Snapshotter runs a periodic background task emitting a debug log snapshot
// per endpoint when its callRate > 0.
type Snapshotter struct {
	logger *zap.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewSnapshotter starts the periodic snapshot loop immediately; call Stop
// to end it.
func NewSnapshotter(logger *zap.Logger, interval time.Duration, endpoints func() map[string]*Monitor) *Snapshotter {
	if interval <= 0 {
		interval = DefaultConfig().SnapshotInterval
	}
	s := &Snapshotter{logger: logger, stop: make(chan struct{}), done: make(chan struct{})}
	go s.run(interval, endpoints)
	return s
}

func (s *Snapshotter) run(interval time.Duration, endpoints func() map[string]*Monitor) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for name, mon := range endpoints() {
				rate := mon.GetPeakCallRate()
				if rate <= 0 {
					continue
				}
				s.logger.Debug("endpoint snapshot",
					zap.String("endpoint", name),
					zap.Float64("call_rate", rate),
					zap.Duration("avg_duration", mon.GetAverageCallDuration()),
					zap.Float64("error_rate", mon.GetErrorRate()),
					zap.Float64("error_429_rate", mon.GetError429Rate()),
					zap.Bool("healthy", mon.Healthy()),
					zap.Int64("in_flight", mon.InFlight()),
				)
			}
		}
	}
}

// Stop ends the snapshot loop and waits for it to exit.
func (s *Snapshotter) Stop() {
	close(s.stop)
	<-s.done
}
