package service

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"signal_trader/pkg/logger"
)

// StatePusher streams state snapshots to websocket clients every interval.
// Clients only read; anything they send is discarded.
type StatePusher struct {
	rep      Reporter
	interval time.Duration
	upgrader websocket.Upgrader
}

func NewStatePusher(rep Reporter, interval time.Duration) *StatePusher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &StatePusher{
		rep:      rep,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type Frame struct {
	Time  time.Time `json:"time"`
	State any       `json:"state"`
	Stats any       `json:"stats"`
}

func (p *StatePusher) frame() ([]byte, error) {
	return sonic.Marshal(Frame{Time: time.Now().UTC(), State: SnapshotView(p.rep.Snapshot()), Stats: p.rep.Stats()})
}

func (p *StatePusher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[HEALTH] ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		b, err := p.frame()
		if err != nil {
			logger.Error("[HEALTH] ws frame: %v", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
