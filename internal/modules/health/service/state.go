package service

import (
	"sync/atomic"
	"time"

	"signal_trader/internal/models"
)

// Reporter is the read side of the engine: deep copies only.
type Reporter interface {
	Snapshot() *models.PersistedState
	Stats() models.DailyStats
}

type Loop string

const (
	LoopIngest Loop = "ingest"
	LoopExit   Loop = "exit"
	LoopSync   Loop = "sync"
)

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	brokerConnected atomic.Bool
	lastIngest      atomic.Int64 // unix seconds
	lastExit        atomic.Int64
	lastSync        atomic.Int64
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetBrokerConnected(v bool) { s.brokerConnected.Store(v) }
func (s *State) BrokerConnected() bool     { return s.brokerConnected.Load() }

func (s *State) slot(l Loop) *atomic.Int64 {
	switch l {
	case LoopIngest:
		return &s.lastIngest
	case LoopExit:
		return &s.lastExit
	default:
		return &s.lastSync
	}
}

// Touch marks a finished iteration of loop l.
func (s *State) Touch(l Loop, t time.Time) { s.slot(l).Store(t.Unix()) }

func (s *State) LastRun(l Loop) time.Time {
	u := s.slot(l).Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
