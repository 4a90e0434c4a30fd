package models

import (
	"sort"
	"time"
)

const StateVersion = "2.0.0"

type DailyCounters struct {
	TradeDate     string `json:"trade_date"`
	TradesTaken   int    `json:"trades_taken"`
	LastResetDate string `json:"last_reset_date"`
}

// StringSet is encoded as a sorted JSON array.
type StringSet map[string]struct{}

func (s StringSet) Add(v string)      { s[v] = struct{}{} }
func (s StringSet) Has(v string) bool { _, ok := s[v]; return ok }
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// PersistedState is the root aggregate written to the state file.
type PersistedState struct {
	Version            string                 `json:"version"`
	LastSaveTime       time.Time              `json:"last_save_time"`
	ProcessedSignalIDs map[string]StringSet   `json:"-"`
	OpenPositions      map[string]Position    `json:"open_positions"`
	PendingExits       map[string]PendingExit `json:"pending_exits"`
	DailyCounters      DailyCounters          `json:"daily_counters"`
	// DailyClosed keeps closed trades of the current trading day for DailyStats.
	DailyClosed []TradeRecord `json:"daily_closed"`
}

func NewPersistedState() *PersistedState {
	return &PersistedState{
		Version:            StateVersion,
		ProcessedSignalIDs: make(map[string]StringSet),
		OpenPositions:      make(map[string]Position),
		PendingExits:       make(map[string]PendingExit),
	}
}

// Normalize fills nil maps after decoding.
func (s *PersistedState) Normalize() {
	if s.Version == "" {
		s.Version = StateVersion
	}
	if s.ProcessedSignalIDs == nil {
		s.ProcessedSignalIDs = make(map[string]StringSet)
	}
	if s.OpenPositions == nil {
		s.OpenPositions = make(map[string]Position)
	}
	if s.PendingExits == nil {
		s.PendingExits = make(map[string]PendingExit)
	}
}

// Clone returns a deep copy, used for point-in-time reads.
func (s *PersistedState) Clone() *PersistedState {
	out := &PersistedState{
		Version:            s.Version,
		LastSaveTime:       s.LastSaveTime,
		ProcessedSignalIDs: make(map[string]StringSet, len(s.ProcessedSignalIDs)),
		OpenPositions:      make(map[string]Position, len(s.OpenPositions)),
		PendingExits:       make(map[string]PendingExit, len(s.PendingExits)),
		DailyCounters:      s.DailyCounters,
		DailyClosed:        append([]TradeRecord(nil), s.DailyClosed...),
	}
	for day, ids := range s.ProcessedSignalIDs {
		cp := make(StringSet, len(ids))
		for id := range ids {
			cp.Add(id)
		}
		out.ProcessedSignalIDs[day] = cp
	}
	for k, v := range s.OpenPositions {
		out.OpenPositions[k] = v
	}
	for k, v := range s.PendingExits {
		out.PendingExits[k] = v
	}
	return out
}
