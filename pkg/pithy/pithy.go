// Package pithy rate-limits steady-state progress logging. Connections in
// the same stage share one gate, so a server with a thousand players still
// prints one line per interval.
package pithy

import (
	"sync"
	"time"
)

// Stage ids for well-known logging stages.
const (
	StagePlayUser = 1 + iota
	StagePublishUser
	StageForwarder
	StageIngester
	StageHLS
	StageEdge
	StageRTCPlay
	StageRTCSend
	StageRTCRecv
	StageSRT
	StageCaster
	StageHTTPStream
	StageExec
)

type stageInfo struct {
	stageID  int
	interval time.Duration
	clients  int
	// Number of Elapse calls since the last print, for the age.
	count uint32
	age   time.Duration
}

func (s *stageInfo) elapse(diff time.Duration, canPrint bool) {
	s.age += diff
	if canPrint {
		s.age = 0
	}
}

func (s *stageInfo) canPrint() bool {
	perClient := s.interval
	if s.clients > 0 {
		perClient = s.interval * time.Duration(s.clients)
	}
	return s.age >= perClient
}

// Stages owns every stage and hands out Print gates. One instance per
// process, constructed by the composition root.
type Stages struct {
	interval time.Duration

	mu     sync.Mutex
	stages map[int]*stageInfo
}

// NewStages creates the stage registry with the configured base interval.
func NewStages(interval time.Duration) *Stages {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Stages{interval: interval, stages: make(map[int]*stageInfo)}
}

func (ps *Stages) enter(stageID int) *stageInfo {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	stage, ok := ps.stages[stageID]
	if !ok {
		stage = &stageInfo{stageID: stageID, interval: ps.interval}
		ps.stages[stageID] = stage
	}
	stage.clients++
	return stage
}

func (ps *Stages) leave(stage *stageInfo) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if stage.clients > 0 {
		stage.clients--
	}
}

// Print is one client's view of a shared stage. Not safe for concurrent
// use; owned by a single connection.
type Print struct {
	owner    *Stages
	stage    *stageInfo
	previous time.Time
}

// Enter joins a stage and returns the client's gate. Close leaves it.
func (ps *Stages) Enter(stageID int) *Print {
	return &Print{owner: ps, stage: ps.enter(stageID), previous: time.Now()}
}

// Elapse accounts wall time since the last call into the stage age.
func (p *Print) Elapse() {
	now := time.Now()
	diff := now.Sub(p.previous)
	p.previous = now
	if diff < 0 {
		diff = 0
	}

	p.owner.mu.Lock()
	p.stage.count++
	p.stage.elapse(diff, false)
	p.owner.mu.Unlock()
}

// CanPrint reports whether this client should log now, and resets the age
// when it does.
func (p *Print) CanPrint() bool {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	ok := p.stage.canPrint()
	if ok {
		p.stage.age = 0
		p.stage.count = 0
	}
	return ok
}

// Age returns the current stage age.
func (p *Print) Age() time.Duration {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	return p.stage.age
}

// Close leaves the stage.
func (p *Print) Close() {
	p.owner.leave(p.stage)
}
