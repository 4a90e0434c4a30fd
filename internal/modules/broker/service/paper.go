package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"signal_trader/internal/market"
	"signal_trader/internal/models"
)

type paperPosition struct {
	shares  int
	avgCost float64
}

// Paper simulates the broker in memory. Fills happen at the last price set via SetPrice.
type Paper struct {
	mu        sync.Mutex
	cal       *market.Calendar
	account   float64
	connected bool
	prices    map[string]float64
	positions map[string]paperPosition
	orders    []PaperOrder

	connectErr error
	closeErr   error
	marketOpen *bool
	now        func() time.Time
}

// PaperOrder is a record of what was sent, for inspection.
type PaperOrder struct {
	Ref       models.OrderRef
	Symbol    string
	Shares    int
	StopPrice float64
	Close     bool
	Time      time.Time
}

func NewPaper(accountValue float64, cal *market.Calendar) *Paper {
	return &Paper{
		cal:       cal,
		account:   accountValue,
		prices:    make(map[string]float64),
		positions: make(map[string]paperPosition),
		now:       time.Now,
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Connect(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		p.connected = false
		return false, p.connectErr
	}
	p.connected = true
	return true, nil
}

func (p *Paper) IsConnected(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Paper) AccountValue(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return 0, ErrNotConnected
	}
	return p.account, nil
}

func (p *Paper) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]models.BrokerPosition, 0, len(p.positions))
	for sym, pos := range p.positions {
		out = append(out, models.BrokerPosition{Symbol: sym, Shares: pos.shares, AvgCost: pos.avgCost})
	}
	return out, nil
}

func (p *Paper) PlaceEntry(ctx context.Context, symbol string, shares int, stopPrice float64) (models.OrderRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", ErrNotConnected
	}
	if shares <= 0 {
		return "", errors.New("paper: shares must be > 0")
	}
	ref := models.OrderRef(uuid.NewString())
	price := p.prices[symbol]
	pos := p.positions[symbol]
	if total := pos.shares + shares; total > 0 {
		pos.avgCost = (pos.avgCost*float64(pos.shares) + price*float64(shares)) / float64(total)
	}
	pos.shares += shares
	p.positions[symbol] = pos
	p.orders = append(p.orders, PaperOrder{Ref: ref, Symbol: symbol, Shares: shares, StopPrice: stopPrice, Time: p.now()})
	return ref, nil
}

func (p *Paper) ClosePosition(ctx context.Context, symbol string, shares int) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return 0, false, ErrNotConnected
	}
	if p.closeErr != nil {
		return 0, false, p.closeErr
	}
	pos, ok := p.positions[symbol]
	if !ok || pos.shares == 0 {
		return 0, false, nil
	}
	delete(p.positions, symbol)
	p.orders = append(p.orders, PaperOrder{Ref: models.OrderRef(uuid.NewString()), Symbol: symbol, Shares: pos.shares, Close: true, Time: p.now()})
	return p.prices[symbol], true, nil
}

func (p *Paper) IsMarketOpen(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.marketOpen != nil {
		return *p.marketOpen
	}
	return p.cal.IsOpen(p.now())
}

func (p *Paper) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// SetPrice sets the simulated last price for symbol.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetPosition puts a position at the broker directly, as if opened elsewhere. shares=0 flattens it.
func (p *Paper) SetPosition(symbol string, shares int, avgCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if shares == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = paperPosition{shares: shares, avgCost: avgCost}
}

func (p *Paper) SetConnectError(err error) {
	p.mu.Lock()
	p.connectErr = err
	p.mu.Unlock()
}

func (p *Paper) SetCloseError(err error) {
	p.mu.Lock()
	p.closeErr = err
	p.mu.Unlock()
}

// SetMarketOpen pins the market status; nil goes back to the calendar.
func (p *Paper) SetMarketOpen(open *bool) {
	p.mu.Lock()
	p.marketOpen = open
	p.mu.Unlock()
}

func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Orders returns a copy of everything sent so far.
func (p *Paper) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaperOrder(nil), p.orders...)
}
