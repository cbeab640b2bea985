package reload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const defaultDebounce = 250 * time.Millisecond

// WatchConfig configures a Watcher.
type WatchConfig struct {
	// Paths are files or directories. Directories are watched without
	// descending; files are watched through their parent directory so that
	// editors replacing the file by rename are noticed.
	Paths []string
	// Patterns are doublestar globs matched against the base name of the
	// changed file. Empty matches everything under a watched directory.
	Patterns []string
	Debounce time.Duration
	// OnChange receives the absolute paths that changed during the debounce
	// window.
	OnChange func(ctx context.Context, changed []string)
	Logger   log.Logger
}

// Watcher coalesces filesystem events on a fixed set of paths into debounced
// callbacks.
type Watcher struct {
	cfg      WatchConfig
	fsw      *fsnotify.Watcher
	files    map[string]struct{}
	dirs     map[string]struct{}
	debounce time.Duration
	logger   log.Logger
	started  atomic.Bool
}

func NewWatcher(cfg WatchConfig) (*Watcher, error) {
	for _, pat := range cfg.Patterns {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("reload: invalid pattern %q", pat)
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reload: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		files:    map[string]struct{}{},
		dirs:     map[string]struct{}{},
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	if w.logger == nil {
		w.logger = log.NewNopLogger()
	}
	for _, p := range cfg.Paths {
		if err := w.add(p); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) add(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("reload: resolve %q: %w", p, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	dir := abs
	if info.IsDir() {
		w.dirs[abs] = struct{}{}
	} else {
		w.files[abs] = struct{}{}
		dir = filepath.Dir(abs)
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("reload: watch %q: %w", dir, err)
	}
	return nil
}

func (w *Watcher) relevant(name string) bool {
	if _, ok := w.files[name]; ok {
		return true
	}
	if _, ok := w.dirs[filepath.Dir(name)]; !ok {
		return false
	}
	if len(w.cfg.Patterns) == 0 {
		return true
	}
	base := filepath.Base(name)
	for _, pat := range w.cfg.Patterns {
		if ok, err := doublestar.Match(pat, base); err == nil && ok {
			return true
		}
	}
	return false
}

// Run processes events until ctx is done. It must be called once.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("reload: Run called more than once")
	}

	var (
		mu      sync.Mutex
		pending = map[string]struct{}{}
		timer   *time.Timer
	)
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()
		if len(changed) == 0 || w.cfg.OnChange == nil {
			return
		}
		level.Debug(w.logger).Log("msg", "watched files changed", "files", len(changed))
		w.cfg.OnChange(ctx, changed)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			level.Warn(w.logger).Log("msg", "closing fsnotify watcher", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("reload: fsnotify event channel closed")
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !w.relevant(ev.Name) {
				continue
			}
			mu.Lock()
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("reload: fsnotify error channel closed")
			}
			if fatal(err) {
				return fmt.Errorf("reload: fatal fsnotify error: %w", err)
			}
			level.Warn(w.logger).Log("msg", "fsnotify error", "err", err)
		}
	}
}

// fatal reports watcher resource exhaustion.
func fatal(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}
