package stats

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"metapaxos/mathextra"
)

const (
	PreparesSent     = "Prepares Sent"
	AcceptsSent      = "Accepts Sent"
	PrepareConflicts = "Prepare Conflicts"
	AcceptConflicts  = "Accept Conflicts"
	ConfigConflicts  = "Config Conflicts"
	RemoteErrors     = "Remote Errors"
	SkippedPrepares  = "Skipped Prepares"
	RoundsSucceeded  = "Rounds Succeeded"
	RoundsFailed     = "Rounds Failed"
	RoundsUncertain  = "Rounds Uncertain"
	Reconfigurations = "Reconfigurations"
)

type DefaultTSMetrics struct{}

func (d DefaultTSMetrics) Get() []string {
	return []string{
		PreparesSent,
		AcceptsSent,
		PrepareConflicts,
		AcceptConflicts,
		ConfigConflicts,
		RemoteErrors,
		SkippedPrepares,
		RoundsSucceeded,
		RoundsFailed,
		RoundsUncertain,
		Reconfigurations}
}

// TimeseriesStats holds named counters and a round latency average. All
// methods are safe on a nil receiver, which records nothing.
type TimeseriesStats struct {
	mu          sync.Mutex
	register    map[string]int64
	orderedKeys []string
	out         io.Writer
	closer      io.Closer
	latency     mathextra.Ewma
	tick        time.Duration
	close       chan struct{}
	closeOnce   sync.Once
	extra       func() string
}

// TimeseriesStatsNew writes to loc when it is not empty.
func TimeseriesStatsNew(initalRegisters []string, loc string, tick time.Duration) (*TimeseriesStats, error) {
	s := &TimeseriesStats{
		register:    make(map[string]int64),
		orderedKeys: initalRegisters,
		latency:     mathextra.Ewma{Weight: 0.1},
		tick:        tick,
		close:       make(chan struct{}),
	}
	for i := 0; i < len(initalRegisters); i++ {
		s.register[initalRegisters[i]] = 0
	}
	if loc != "" {
		statsFile, err := os.Create(loc)
		if err != nil {
			return nil, fmt.Errorf("stats: create %s: %w", loc, err)
		}
		s.out = statsFile
		s.closer = statsFile
	}
	return s, nil
}

// SetOutput replaces the destination of Print.
func (s *TimeseriesStats) SetOutput(w io.Writer) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.out = w
	s.mu.Unlock()
}

// SetExtra appends the result of f to every printed line.
func (s *TimeseriesStats) SetExtra(f func() string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.extra = f
	s.mu.Unlock()
}

func (s *TimeseriesStats) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.register {
		s.register[k] = 0
	}
}

func (s *TimeseriesStats) Update(stat string, count int64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.register[stat] = s.register[stat] + count
	s.mu.Unlock()
}

func (s *TimeseriesStats) Get(stat string) int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register[stat]
}

func (s *TimeseriesStats) RecordLatency(d time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.latency.Add(float64(d.Microseconds()))
	s.mu.Unlock()
}

func (s *TimeseriesStats) LatencyEWMA() time.Duration {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latency.Value()) * time.Microsecond
}

func (s *TimeseriesStats) line() string {
	str := strings.Builder{}
	for i := 0; i < len(s.orderedKeys); i++ {
		k := s.orderedKeys[i]
		v := s.register[k]
		str.WriteString(fmt.Sprintf("%s : %d ", k, v))
	}
	str.WriteString(fmt.Sprintf("Round Latency EWMA : %dus", int64(s.latency.Value())))
	if s.extra != nil {
		str.WriteString(" ")
		str.WriteString(s.extra())
	}
	str.WriteString("\n")
	return time.Now().Format("2006/01/02 15:04:05 .000 ") + str.String()
}

func (s *TimeseriesStats) Print() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	io.WriteString(s.out, s.line())
}

func (s *TimeseriesStats) PrintAndReset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		io.WriteString(s.out, s.line())
	}
	for k := range s.register {
		s.register[k] = 0
	}
}

// GoClock prints and resets the counters every tick until Close.
func (s *TimeseriesStats) GoClock() {
	if s == nil || s.tick <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.PrintAndReset()
			case <-s.close:
				return
			}
		}
	}()
}

func (s *TimeseriesStats) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.close)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closer != nil {
			s.closer.Close()
		}
	})
}
