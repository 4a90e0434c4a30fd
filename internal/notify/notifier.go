package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
}

// StatusProvider answers the /positions and /stats commands.
type StatusProvider interface {
	OpenPositions() map[string]models.Position
	Stats() models.DailyStats
}

// Telegram is a passive notifier plus two read-only commands: /positions and /stats.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
	}, nil
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		logger.Warn("[TG] send failed: %v", err)
	}
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

// Start: long polling for commands from the configured chat.
func (t *Telegram) Start(ctx context.Context, status StatusProvider) error {
	if t == nil || t.bot == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message == nil || upd.Message.Chat == nil ||
					upd.Message.Chat.ID != t.chatID || !upd.Message.IsCommand() {
					continue
				}
				switch upd.Message.Command() {
				case "positions":
					t.Send(FormatPositions(status.OpenPositions()))
				case "stats":
					t.Send(FormatStats(status.Stats()))
				}
			}
		}
	}()
	return nil
}

func (t *Telegram) Stop() {
	if t == nil || t.bot == nil {
		return
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	t.bot.StopReceivingUpdates()
}

func FormatPositions(positions map[string]models.Position) string {
	if len(positions) == 0 {
		return "📭 No open positions"
	}
	syms := make([]string, 0, len(positions))
	for s := range positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	var b strings.Builder
	b.WriteString("📊 Open positions:\n")
	for _, s := range syms {
		p := positions[s]
		tag := ""
		if p.Recovered {
			tag = " (recovered)"
		}
		fmt.Fprintf(&b, "- %s x%d @ %.2f stop %.2f exit %s%s\n",
			p.Symbol, p.Shares, p.EntryPrice, p.StopPrice, p.ExitDeadline.Format("15:04:05"), tag)
	}
	return b.String()
}

func FormatStats(s models.DailyStats) string {
	return fmt.Sprintf("📅 %s\ntrades: %d taken, %d closed, %d left\nopen: %d\npnl: %.2f (win rate %.1f%%)",
		s.TradeDate, s.TradesTaken, s.TradesClosed, s.TradesRemaining, s.PositionsOpen, s.PnL, s.WinRate)
}

// Stdout writes notifications to the log.
type Stdout struct{}

func NewStdout() *Stdout                           { return &Stdout{} }
func (s *Stdout) Send(msg string)                  { logger.Info("[NOTIFY] %s", msg) }
func (s *Stdout) Sendf(format string, args ...any) { s.Send(fmt.Sprintf(format, args...)) }
