package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Store holds the plans of one directory keyed by file stem. Plans are
// immutable; Reload swaps the whole set atomically.
type Store struct {
	dir    string
	logger log.Logger

	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewStore loads every *.json file of dir.
func NewStore(dir string, logger log.Logger) (*Store, error) {
	s := &Store{dir: dir, logger: logger, plans: map[string]*Plan{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile decodes and validates one plan file.
func LoadFile(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	p, err := Decode(name, b)
	if err != nil {
		return nil, err
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("plan %s: %w", name, err)
	}
	return p, nil
}

// Reload re-reads the directory. On any error the previous set is kept.
func (s *Store) Reload() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}
	plans := make(map[string]*Plan, len(files))
	var errs []error
	for _, f := range files {
		p, err := LoadFile(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plans[p.Name] = p
	}
	if err := errors.Join(errs...); err != nil {
		level.Error(s.logger).Log("msg", "failed to load plans", "dir", s.dir, "err", err)
		return err
	}

	s.mu.Lock()
	s.plans = plans
	s.mu.Unlock()
	level.Info(s.logger).Log("msg", "loaded plans", "dir", s.dir, "count", len(plans))
	return nil
}

// Get returns the plan registered under name.
func (s *Store) Get(name string) (*Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[name]
	return p, ok
}

// Names returns the plan names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.plans))
	for n := range s.plans {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Dir returns the directory the store reads.
func (s *Store) Dir() string {
	return s.dir
}
