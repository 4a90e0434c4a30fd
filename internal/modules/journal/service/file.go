package service

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"signal_trader/internal/models"
)

// FileJournal appends one JSON object per line.
type FileJournal struct {
	mu   sync.Mutex
	path string
}

func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path}
}

func (j *FileJournal) Record(ctx context.Context, rec models.TradeRecord) error {
	line, err := sonic.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal trade record")
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return errors.Wrap(err, "journal dir")
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	if _, err = f.Write(line); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write journal")
	}
	return f.Close()
}

// ReadAll loads the journal, skipping lines that fail to decode.
func (j *FileJournal) ReadAll() ([]models.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	defer f.Close()

	var out []models.TradeRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec models.TradeRecord
		if err := sonic.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(sc.Err(), "scan journal")
}
