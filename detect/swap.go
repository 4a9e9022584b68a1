package detect

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Swappable is a Detector handle whose backend can be replaced at runtime.
// Sessions hold the Swappable, not the underlying detector, so a model reload
// takes effect on the next frame without touching live sessions. This replaces
// the module-level "current model" global of earlier designs with an explicit
// injected reference.
type Swappable struct {
	current atomic.Pointer[Detector]
}

// NewSwappable returns a Swappable initially backed by d. A nil d is allowed;
// Detect then fails with ErrNoDetector until Store is called.
func NewSwappable(d Detector) *Swappable {
	s := &Swappable{}
	if d != nil {
		s.current.Store(&d)
	}
	return s
}

// Store replaces the backend used by subsequent Detect calls.
func (s *Swappable) Store(d Detector) {
	if d == nil {
		s.current.Store(nil)
		return
	}
	s.current.Store(&d)
}

// Load returns the current backend, or nil when none is installed.
func (s *Swappable) Load() Detector {
	p := s.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Detect delegates to the current backend.
func (s *Swappable) Detect(ctx context.Context, frame Frame) ([]Detection, error) {
	d := s.Load()
	if d == nil {
		return nil, ErrNoDetector
	}
	return d.Detect(ctx, frame)
}

var _ Detector = (*Swappable)(nil)

// WatchModel watches the model artifact at path and swaps in a freshly built
// detector whenever it is written or replaced. build is called with the model
// path and should return the new backend; build errors are logged and the
// previous backend stays installed. The watch runs until ctx is cancelled.
func WatchModel(ctx context.Context, s *Swappable, path string, build func(string) (Detector, error), log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors and model exporters typically replace the
	// file via rename, which would drop a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				d, err := build(path)
				if err != nil {
					log.Error("model reload failed; keeping previous detector",
						slog.String("path", path), slog.String("err", err.Error()))
					continue
				}
				s.Store(d)
				log.Info("detector swapped after model change", slog.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("model watcher error", slog.String("err", err.Error()))
			}
		}
	}()

	return nil
}
