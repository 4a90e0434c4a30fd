package service

import (
	"time"

	"signal_trader/internal/models"
)

// View is the JSON shape of a state snapshot for HTTP clients.
type View struct {
	Version         string                        `json:"version"`
	LastSaveTime    time.Time                     `json:"last_save_time"`
	ProcessedCounts map[string]int                `json:"processed_signal_counts"`
	OpenPositions   map[string]models.Position    `json:"open_positions"`
	PendingExits    map[string]models.PendingExit `json:"pending_exits"`
	DailyCounters   models.DailyCounters          `json:"daily_counters"`
	DailyClosed     []models.TradeRecord          `json:"daily_closed"`
}

func SnapshotView(st *models.PersistedState) View {
	v := View{
		Version:         st.Version,
		LastSaveTime:    st.LastSaveTime,
		ProcessedCounts: make(map[string]int, len(st.ProcessedSignalIDs)),
		OpenPositions:   st.OpenPositions,
		PendingExits:    st.PendingExits,
		DailyCounters:   st.DailyCounters,
		DailyClosed:     st.DailyClosed,
	}
	for day, ids := range st.ProcessedSignalIDs {
		v.ProcessedCounts[day] = len(ids)
	}
	return v
}
