package service

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"signal_trader/internal/models"
	"signal_trader/pkg/logger"
)

// ErrNotFound is returned when neither the state file nor its backup exists.
var ErrNotFound = errors.New("state not found")

// Store persists the root aggregate.
type Store interface {
	Load() (*models.PersistedState, error)
	Save(st *models.PersistedState) error
}

// FileStore keeps the state in one JSON document plus a single-generation backup.
type FileStore struct {
	path       string
	backupPath string
}

func NewFileStore(path, backupPath string) *FileStore {
	return &FileStore{path: path, backupPath: backupPath}
}

// ---- storage format ----

type snapshot struct {
	Version            string                        `json:"version"`
	LastSaveTime       time.Time                     `json:"last_save_time"`
	ProcessedSignalIDs map[string][]string           `json:"processed_signal_ids"`
	OpenPositions      map[string]models.Position    `json:"open_positions"`
	PendingExits       map[string]models.PendingExit `json:"pending_exits"`
	DailyCounters      models.DailyCounters          `json:"daily_counters"`
	DailyClosed        []models.TradeRecord          `json:"daily_closed"`
}

func toSnapshot(st *models.PersistedState) snapshot {
	ids := make(map[string][]string, len(st.ProcessedSignalIDs))
	for day, set := range st.ProcessedSignalIDs {
		ids[day] = set.Sorted()
	}
	return snapshot{
		Version:            st.Version,
		LastSaveTime:       st.LastSaveTime,
		ProcessedSignalIDs: ids,
		OpenPositions:      st.OpenPositions,
		PendingExits:       st.PendingExits,
		DailyCounters:      st.DailyCounters,
		DailyClosed:        st.DailyClosed,
	}
}

func fromSnapshot(snap snapshot) *models.PersistedState {
	st := &models.PersistedState{
		Version:            snap.Version,
		LastSaveTime:       snap.LastSaveTime,
		ProcessedSignalIDs: make(map[string]models.StringSet, len(snap.ProcessedSignalIDs)),
		OpenPositions:      snap.OpenPositions,
		PendingExits:       snap.PendingExits,
		DailyCounters:      snap.DailyCounters,
		DailyClosed:        snap.DailyClosed,
	}
	for day, ids := range snap.ProcessedSignalIDs {
		set := make(models.StringSet, len(ids))
		for _, id := range ids {
			set.Add(id)
		}
		st.ProcessedSignalIDs[day] = set
	}
	st.Normalize()
	return st
}

// Load reads the primary file, falling back to the backup when the primary is missing or broken.
func (s *FileStore) Load() (*models.PersistedState, error) {
	st, err := s.loadFile(s.path)
	if err == nil {
		return st, nil
	}
	primaryMissing := os.IsNotExist(errors.Cause(err))
	if !primaryMissing {
		logger.Error("[STATE] primary %s unreadable: %v, trying backup", s.path, err)
	}

	st, bErr := s.loadFile(s.backupPath)
	if bErr == nil {
		logger.Warn("[STATE] state restored from backup %s", s.backupPath)
		return st, nil
	}
	if primaryMissing && os.IsNotExist(errors.Cause(bErr)) {
		return nil, ErrNotFound
	}
	return nil, errors.Wrapf(err, "load state (backup: %v)", bErr)
}

func (s *FileStore) loadFile(path string) (*models.PersistedState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var snap snapshot
	if err := sonic.Unmarshal(b, &snap); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return fromSnapshot(snap), nil
}

// Save: temp file, copy current primary to backup, rename temp over primary.
func (s *FileStore) Save(st *models.PersistedState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}

	b, err := sonic.ConfigStd.MarshalIndent(toSnapshot(st), "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}

	tmp := s.path + ".tmp"
	if err := writeSynced(tmp, b); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}

	if err := s.backupCurrent(); err != nil {
		// the backup is best effort, the primary write still goes ahead
		logger.Warn("[STATE] backup failed: %v", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

func (s *FileStore) backupCurrent() error {
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(s.backupPath), 0o755); err != nil {
		return err
	}
	tmp := s.backupPath + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.backupPath)
}

func writeSynced(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
