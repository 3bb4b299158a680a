// Package breaker degrades optional features under CPU pressure. Three
// water levels (high, critical, dying) are refreshed every second from the
// process CPU usage; consumers poll the predicates to voluntarily shed
// work, e.g. dropping NACK generation at critical and forwarding at dying.
package breaker

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethan/streamhub/pkg/config"
	"github.com/ethan/streamhub/pkg/logger"
)

// ProcStat samples the process CPU usage as a 0-100 percentage.
type ProcStat interface {
	CPUPercent() (float64, error)
}

// Breaker tracks the three water levels. Subscribe it to the shared 1s
// timer.
type Breaker struct {
	cfg  config.BreakerConfig
	stat ProcStat

	mu       sync.Mutex
	high     int
	critical int
	dying    int

	highFlag     bool
	criticalFlag bool
	dyingFlag    bool
}

// New creates a breaker from configuration.
func New(cfg config.BreakerConfig, stat ProcStat) *Breaker {
	if stat == nil {
		stat = NewSelfProcStat()
	}
	logger.Info("circuit breaker", "enabled", cfg.Enabled,
		"high", fmt.Sprintf("%dx%d", cfg.HighPulse, cfg.HighThreshold),
		"critical", fmt.Sprintf("%dx%d", cfg.CriticalPulse, cfg.CriticalThreshold),
		"dying", fmt.Sprintf("%dx%d", cfg.DyingPulse, cfg.DyingThreshold))
	return &Breaker{cfg: cfg, stat: stat}
}

// OnTimer implements coro.FastTimerHandler on the 1s bucket.
func (b *Breaker) OnTimer(interval time.Duration) error {
	cpu, err := b.stat.CPUPercent()
	if err != nil {
		return fmt.Errorf("sample cpu: %w", err)
	}
	b.update(cpu)
	return nil
}

// update recomputes the water levels from one CPU sample. The flags are
// latched after refreshing the pulses and before decay, so a level that
// was loaded this second stays visible for a full extra tick.
func (b *Breaker) update(cpu float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cpu > float64(b.cfg.HighThreshold) {
		b.high = b.cfg.HighPulse
	}
	if cpu > float64(b.cfg.CriticalThreshold) {
		b.critical = b.cfg.CriticalPulse
	}
	if cpu > float64(b.cfg.DyingThreshold) {
		b.dying = min(b.cfg.DyingPulse+1, b.dying+1)
	} else {
		b.dying = 0
	}

	b.dyingFlag = b.cfg.DyingPulse > 0 && b.dying >= b.cfg.DyingPulse
	b.criticalFlag = b.critical > 0
	b.highFlag = b.high > 0

	if cpu <= float64(b.cfg.HighThreshold) && b.high > 0 {
		b.high--
	}
	if cpu <= float64(b.cfg.CriticalThreshold) && b.critical > 0 {
		b.critical--
	}

	if b.cfg.Enabled && (b.highFlag || b.criticalFlag) {
		logger.Info("circuit breaker engaged", "cpu", fmt.Sprintf("%.1f%%", cpu),
			"high", b.highFlag, "critical", b.criticalFlag, "dying", b.dyingFlag)
	}
}

// HighWaterLevel reports the high level; critical implies high.
func (b *Breaker) HighWaterLevel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Enabled && (b.criticalFlag || b.dyingFlag || b.highFlag)
}

// CriticalWaterLevel reports the critical level; dying implies critical.
func (b *Breaker) CriticalWaterLevel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Enabled && (b.dyingFlag || b.criticalFlag)
}

// DyingWaterLevel reports the dying level.
func (b *Breaker) DyingWaterLevel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Enabled && b.dyingFlag
}

// SelfProcStat reads /proc/self/stat and derives a CPU percentage from
// consecutive samples.
type SelfProcStat struct {
	mu        sync.Mutex
	lastTicks uint64
	lastAt    time.Time
}

// NewSelfProcStat creates the Linux self-proc sampler.
func NewSelfProcStat() *SelfProcStat { return &SelfProcStat{} }

// CPUPercent implements ProcStat.
func (s *SelfProcStat) CPUPercent() (float64, error) {
	utime, stime, err := readSelfStat()
	if err != nil {
		return 0, err
	}
	ticks := utime + stime
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastAt.IsZero() {
		s.lastTicks, s.lastAt = ticks, now
		return 0, nil
	}

	elapsed := now.Sub(s.lastAt).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	const clockTick = 100 // USER_HZ
	percent := float64(ticks-s.lastTicks) / clockTick / elapsed * 100

	s.lastTicks, s.lastAt = ticks, now
	return percent, nil
}

func readSelfStat() (utime, stime uint64, err error) {
	f, err := os.Open("/proc/self/stat")
	if err != nil {
		return 0, 0, fmt.Errorf("open /proc/self/stat: %w", err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return 0, 0, fmt.Errorf("read /proc/self/stat: %w", err)
	}

	// The comm field may contain spaces; skip past the closing paren.
	i := strings.LastIndexByte(line, ')')
	if i < 0 {
		return 0, 0, fmt.Errorf("malformed /proc/self/stat")
	}
	fields := strings.Fields(line[i+1:])
	// After comm: state is field 0, utime is field 11, stime is field 12.
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("short /proc/self/stat: %d fields", len(fields))
	}
	if utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parse utime: %w", err)
	}
	if stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("parse stime: %w", err)
	}
	return utime, stime, nil
}
