// Package hypothesis persists named backtest configurations with their
// results and scores, and runs them singly or as parameter-sweep
// batches.
package hypothesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quantbrew/ivbacktest/internal/config"
)

// Status is the lifecycle state of a hypothesis.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

const storeVersion = 1

var ErrHypothesisNotFound = errors.New("hypothesis not found")

// Hypothesis is a named configuration plus, once run, its result
// summary and composite score.
type Hypothesis struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Config *config.Config `json:"config"`

	Result       *ResultSummary `json:"result,omitempty"`
	Score        *Score         `json:"score,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ResultSummary is the slice of a backtest result worth keeping in the
// store: enough to rank hypotheses without re-running them.
type ResultSummary struct {
	TotalTrades      int      `json:"total_trades"`
	WinRate          float64  `json:"win_rate"` // percent
	TotalPnL         float64  `json:"total_pnl"`
	Sharpe           float64  `json:"sharpe"`
	SQN              float64  `json:"sqn"`
	MaxDrawdownPct   float64  `json:"max_drawdown_pct"`
	TradesPerMonth   float64  `json:"trades_per_month"`
	DegradationScore *float64 `json:"degradation_score,omitempty"`
	IsValid          bool     `json:"is_valid"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Score is the composite hypothesis score, each component on a 0-100
// scale.
type Score struct {
	WinRate   float64 `json:"win_rate_score"`
	Sharpe    float64 `json:"sharpe_score"`
	Stability float64 `json:"stability_score"`
	Frequency float64 `json:"frequency_score"`
	Total     float64 `json:"total"`
}

// Batch records one parameter sweep: which parameter varied, over
// which values, and the child hypotheses created for them.
type Batch struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	VaryParameter string    `json:"vary_parameter"`
	Values        []float64 `json:"values"`
	HypothesisIDs []string  `json:"hypothesis_ids"`
}

// storeFile is the on-disk document.
type storeFile struct {
	Version    int               `json:"version"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Hypotheses []json.RawMessage `json:"hypotheses"`
	Batches    []json.RawMessage `json:"batches"`
}

// Store keeps all hypotheses and batches in one JSON document,
// rewritten atomically on every save.
type Store struct {
	mu     sync.RWMutex
	path   string
	logger *logrus.Logger

	hypotheses map[string]*Hypothesis
	batches    map[string]*Batch
}

// NewStore loads the store file at path, creating an empty store when
// the file does not exist. Malformed records are skipped with a
// warning rather than failing the load.
func NewStore(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{
		path:       path,
		logger:     logger,
		hypotheses: make(map[string]*Hypothesis),
		batches:    make(map[string]*Batch),
	}

	data, err := os.ReadFile(path) // #nosec G304 -- store path comes from configuration
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading hypothesis store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing hypothesis store: %w", err)
	}
	for i, raw := range file.Hypotheses {
		var h Hypothesis
		if err := json.Unmarshal(raw, &h); err != nil || h.ID == "" {
			s.logger.WithField("index", i).Warn("skipping malformed hypothesis record")
			continue
		}
		s.hypotheses[h.ID] = &h
	}
	for i, raw := range file.Batches {
		var b Batch
		if err := json.Unmarshal(raw, &b); err != nil || b.ID == "" {
			s.logger.WithField("index", i).Warn("skipping malformed batch record")
			continue
		}
		s.batches[b.ID] = &b
	}
	return s, nil
}

// NewID returns a fresh 8-hex-char hypothesis id.
func NewID() string {
	return uuid.New().String()[:8]
}

// Create adds a DRAFT hypothesis for the given config and persists the
// store.
func (s *Store) Create(name, description string, cfg *config.Config, tags ...string) (*Hypothesis, error) {
	now := time.Now().UTC()
	h := &Hypothesis{
		ID:          NewID(),
		Name:        name,
		Description: description,
		Tags:        tags,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
		Config:      cfg,
	}
	s.mu.Lock()
	s.hypotheses[h.ID] = h
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Get returns a hypothesis by id.
func (s *Store) Get(id string) (*Hypothesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hypotheses[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrHypothesisNotFound)
	}
	return h, nil
}

// List returns every hypothesis, newest first.
func (s *Store) List() []*Hypothesis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Hypothesis, 0, len(s.hypotheses))
	for _, h := range s.hypotheses {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update persists changes to a hypothesis. Updating the configuration
// of a COMPLETED hypothesis clears its results and reverts it to
// DRAFT; that is destructive and logged.
func (s *Store) Update(h *Hypothesis, configChanged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hypotheses[h.ID]; !ok {
		return fmt.Errorf("%s: %w", h.ID, ErrHypothesisNotFound)
	}
	if configChanged && h.Status == StatusCompleted {
		s.logger.WithField("hypothesis_id", h.ID).
			Warn("config changed on completed hypothesis; clearing results")
		h.Result = nil
		h.Score = nil
		h.ErrorMessage = ""
		h.Status = StatusDraft
	}
	h.UpdatedAt = time.Now().UTC()
	s.hypotheses[h.ID] = h
	return s.saveLocked()
}

// Mutate applies fn to the stored hypothesis under the store lock and
// persists the change. Status transitions made while other goroutines
// may be saving (batch runs) must go through here: Update callers hand
// in a hypothesis they mutated outside the lock, which would race with
// a concurrent save marshaling the same record.
func (s *Store) Mutate(id string, fn func(*Hypothesis)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hypotheses[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrHypothesisNotFound)
	}
	fn(h)
	h.UpdatedAt = time.Now().UTC()
	return s.saveLocked()
}

// Clone copies a hypothesis into a fresh DRAFT with a new id. Results
// and scores are not carried over.
func (s *Store) Clone(id, name string) (*Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.hypotheses[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrHypothesisNotFound)
	}
	now := time.Now().UTC()
	clone := &Hypothesis{
		ID:          NewID(),
		Name:        name,
		Description: src.Description,
		Tags:        append([]string(nil), src.Tags...),
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
		Config:      src.Config.Clone(),
	}
	s.hypotheses[clone.ID] = clone
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return clone, nil
}

// Delete removes a hypothesis.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hypotheses[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrHypothesisNotFound)
	}
	delete(s.hypotheses, id)
	return s.saveLocked()
}

// AddBatch persists a batch record.
func (s *Store) AddBatch(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	return s.saveLocked()
}

// Batches returns every batch, newest first.
func (s *Store) Batches() []*Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Save persists the current state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the whole document to a temp file in the store's
// directory and renames it into place. Callers hold the mutex.
func (s *Store) saveLocked() error {
	file := storeFile{
		Version:   storeVersion,
		UpdatedAt: time.Now().UTC(),
	}
	for _, h := range s.sortedHypothesesLocked() {
		raw, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("marshaling hypothesis %s: %w", h.ID, err)
		}
		file.Hypotheses = append(file.Hypotheses, raw)
	}
	for _, b := range s.sortedBatchesLocked() {
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshaling batch %s: %w", b.ID, err)
		}
		file.Batches = append(file.Batches, raw)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "hypotheses-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}

func (s *Store) sortedHypothesesLocked() []*Hypothesis {
	out := make([]*Hypothesis, 0, len(s.hypotheses))
	for _, h := range s.hypotheses {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) sortedBatchesLocked() []*Batch {
	out := make([]*Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
