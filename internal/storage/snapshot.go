package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tradecore/internal/domain"
)

// State is the persisted process state. Decimals serialize as strings.
type State struct {
	OpenOrders []domain.Order                   `json:"open_orders"`
	MarketData map[string]domain.MarketSnapshot `json:"market_data"`
	Risk       *domain.RiskSnapshot             `json:"risk"`
	SavedAt    time.Time                        `json:"saved_at"`
}

// Empty reports whether nothing was restored.
func (s *State) Empty() bool {
	return s == nil || (len(s.OpenOrders) == 0 && len(s.MarketData) == 0 && s.Risk == nil)
}

// StateStore saves State atomically: write path.tmp, fsync, rename over path.
type StateStore struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// NewStateStore creates a store writing to path.
func NewStateStore(path string, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{path: path, now: time.Now, logger: logger}
}

// Path returns the committed file path.
func (s *StateStore) Path() string { return s.path }

func (s *StateStore) tmpPath() string { return s.path + ".tmp" }

// Save stamps SavedAt and commits st.
func (s *StateStore) Save(st *State) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	st.SavedAt = s.now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.tmpPath()
	if err := writeSync(tmp, data); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	syncDir(filepath.Dir(s.path))

	s.logger.Debug("State saved",
		slog.String("path", s.path),
		slog.Int("open_orders", len(st.OpenOrders)),
		slog.Int("markets", len(st.MarketData)))
	return nil
}

// Load returns the last committed state. A tmp file newer than the committed
// one is a save that crashed before its rename: it is promoted when it parses
// and removed when it does not. Neither file existing yields an empty State.
func (s *StateStore) Load() (*State, error) {
	tmp := s.tmpPath()
	tmpInfo, tmpErr := os.Stat(tmp)
	mainInfo, mainErr := os.Stat(s.path)

	if tmpErr == nil {
		if mainErr != nil || tmpInfo.ModTime().After(mainInfo.ModTime()) {
			st, err := readState(tmp)
			if err == nil {
				if err := os.Rename(tmp, s.path); err != nil {
					s.logger.Warn("Failed to promote state tmp", slog.Any("err", err))
				}
				s.logger.Info("State recovered from tmp", slog.String("path", tmp))
				return st, nil
			}
			s.logger.Warn("Discarding corrupt state tmp", slog.String("path", tmp), slog.Any("err", err))
		}
		if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to remove state tmp", slog.Any("err", err))
		}
	}

	if mainErr != nil {
		if errors.Is(mainErr, fs.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("failed to stat state: %w", mainErr)
	}
	st, err := readState(s.path)
	if err != nil {
		return nil, err
	}
	s.logger.Info("State loaded",
		slog.String("path", s.path),
		slog.Time("saved_at", st.SavedAt),
		slog.Int("open_orders", len(st.OpenOrders)))
	return st, nil
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state %s: %w", path, err)
	}
	return &st, nil
}

func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir makes the rename durable; errors are ignored on platforms
// that cannot fsync a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
