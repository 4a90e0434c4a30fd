package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

type Columns struct {
	Timestamp   string
	Symbol      string
	Price       string
	Description string
}

// CSVSource reads the feed's daily file <dir>/<prefix>.<strategy>.<YYYYMMDD>.csv.
// The file is re-read on each poll; rows already returned are remembered until the file changes.
type CSVSource struct {
	dir      string
	prefix   string
	strategy string
	cols     Columns
	loc      *time.Location
	now      func() time.Time

	mu      sync.Mutex
	current string
	seen    map[string]struct{}
}

func NewCSVSource(dir, prefix, strategy string, cols Columns, loc *time.Location) *CSVSource {
	if loc == nil {
		loc = time.Local
	}
	return &CSVSource{
		dir:      dir,
		prefix:   prefix,
		strategy: strategy,
		cols:     cols,
		loc:      loc,
		now:      time.Now,
		seen:     make(map[string]struct{}),
	}
}

func (s *CSVSource) SetClock(now func() time.Time) { s.now = now }

// FileFor returns the feed file for the market-local date of t.
func (s *CSVSource) FileFor(t time.Time) string {
	name := fmt.Sprintf("%s.%s.%s.csv", s.prefix, s.strategy, t.In(s.loc).Format("20060102"))
	return filepath.Join(s.dir, name)
}

func (s *CSVSource) GetNewSignals(ctx context.Context) ([]models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.FileFor(s.now())
	if path != s.current {
		if s.current != "" {
			logger.Info("[ALERTS] switching to %s", filepath.Base(path))
		}
		s.current = path
		s.seen = make(map[string]struct{})
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		logger.Debug("[ALERTS] no file yet: %s", path)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open alerts file")
	}
	defer f.Close()

	rows, err := s.read(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		logger.Info("[ALERTS] %d new signal(s) from %s", len(rows), filepath.Base(path))
	}
	return rows, nil
}

func (s *CSVSource) read(ctx context.Context, r io.Reader) ([]models.Signal, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read alerts header")
	}
	idx, err := s.index(header)
	if err != nil {
		return nil, err
	}

	var out []models.Signal
	for line := 2; ; line++ {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// a half-written last line shows up here while the feed is appending
			logger.Warn("[ALERTS] line %d unreadable, skipped: %v", line, err)
			continue
		}
		sig, err := s.parse(rec, idx)
		if err != nil {
			logger.Warn("[ALERTS] line %d skipped: %v", line, models.WithKind(models.KindData, err))
			continue
		}
		if _, ok := s.seen[sig.ID]; ok {
			continue
		}
		s.seen[sig.ID] = struct{}{}
		out = append(out, sig)
	}
	return out, nil
}

type colIndex struct{ ts, sym, price, desc int }

func (s *CSVSource) index(header []string) (colIndex, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var (
		idx     colIndex
		missing []string
	)
	lookup := func(name string, dst *int) {
		i, ok := pos[name]
		if !ok {
			missing = append(missing, name)
		}
		*dst = i
	}
	lookup(s.cols.Timestamp, &idx.ts)
	lookup(s.cols.Symbol, &idx.sym)
	lookup(s.cols.Price, &idx.price)
	lookup(s.cols.Description, &idx.desc)
	if len(missing) > 0 {
		return idx, models.WithKind(models.KindData, fmt.Errorf("alerts header missing columns %v", missing))
	}
	return idx, nil
}

func (s *CSVSource) parse(rec []string, idx colIndex) (models.Signal, error) {
	field := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	raw := field(idx.ts)
	sym := strings.ToUpper(field(idx.sym))
	if raw == "" || sym == "" {
		return models.Signal{}, fmt.Errorf("empty timestamp or symbol")
	}
	price, err := cast.ToFloat64E(strings.TrimPrefix(field(idx.price), "$"))
	if err != nil || price <= 0 {
		return models.Signal{}, fmt.Errorf("bad price %q", field(idx.price))
	}
	observed, err := cast.ToTimeInDefaultLocationE(raw, s.loc)
	if err != nil {
		observed = s.now()
	}
	desc := field(idx.desc)
	return models.Signal{
		ID:          models.SignalID(raw, sym),
		Symbol:      sym,
		Price:       price,
		ObservedAt:  observed,
		Description: desc,
		Strategy:    s.strategy,
		Resistance:  ParseResistance(desc),
	}, nil
}

// ParseResistance pulls X out of "... Next resistance $X ...", 0 when absent.
func ParseResistance(desc string) float64 {
	_, rest, ok := strings.Cut(desc, "Next resistance")
	if !ok {
		return 0
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0
	}
	v := strings.NewReplacer("$", "", ",", "").Replace(fields[0])
	v = strings.TrimRight(v, ".;")
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0
	}
	return f
}
