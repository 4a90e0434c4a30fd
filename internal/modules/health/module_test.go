package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"signal_trader/internal/models"
	"signal_trader/internal/modules/config"
	"signal_trader/internal/modules/health/service"
	"signal_trader/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}

type fakeReporter struct{ st *models.PersistedState }

func (f fakeReporter) Snapshot() *models.PersistedState { return f.st.Clone() }
func (f fakeReporter) Stats() models.DailyStats {
	return models.DailyStats{TradeDate: "2025-08-04", TradesTaken: 2, TradesRemaining: 28, PositionsOpen: 1}
}

func newServer(t *testing.T) (*httptest.Server, *service.State) {
	t.Helper()
	st := models.NewPersistedState()
	st.OpenPositions["ABC"] = models.Position{Symbol: "ABC", Shares: 50, EntryPrice: 30}
	st.ProcessedSignalIDs["2025-08-04"] = models.StringSet{"a_ABC": {}, "b_DEF": {}}

	cfg := &config.Config{}
	cfg.Health.WSPushInterval = 10 * time.Millisecond
	state := service.NewState()
	srv := httptest.NewServer(NewMux(cfg, state, fakeReporter{st: st}))
	t.Cleanup(srv.Close)
	return srv, state
}

func TestReadyz(t *testing.T) {
	srv, state := newServer(t)
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("before ready: %d", resp.StatusCode)
	}
	state.SetReady(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("after ready: %d", resp.StatusCode)
	}
}

func TestHealthzAndState(t *testing.T) {
	srv, state := newServer(t)
	state.Touch(service.LoopExit, time.Unix(1754316000, 0))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var h struct {
		LastExitUnix int64             `json:"lastExitUnix"`
		Daily        models.DailyStats `json:"daily"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if h.LastExitUnix != 1754316000 || h.Daily.TradesRemaining != 28 {
		t.Errorf("healthz = %+v", h)
	}

	resp, err = http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	var v service.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if v.OpenPositions["ABC"].Shares != 50 || v.ProcessedCounts["2025-08-04"] != 2 {
		t.Errorf("state = %+v", v)
	}
}

func TestWSStatePushesFrames(t *testing.T) {
	srv, _ := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/state"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		var f struct {
			State service.View      `json:"state"`
			Stats models.DailyStats `json:"stats"`
		}
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatal(err)
		}
		if _, ok := f.State.OpenPositions["ABC"]; !ok || f.Stats.TradesTaken != 2 {
			t.Fatalf("frame %d = %s", i, msg)
		}
	}
}
