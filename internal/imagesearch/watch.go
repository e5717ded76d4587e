package imagesearch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// WatchSettle is how long a file must be quiet before Watch stores it.
var WatchSettle = 250 * time.Millisecond

// WatchFunc receives the outcome of every image picked up by Watch.
type WatchFunc func(path string, stored bool, err error)

// Watch stores each image that is created in, or moved into, dir until ctx
// is cancelled. Events are read from the OS, so the service filesystem must
// be backed by the same directory. Failures are reported to fn and do not
// stop the watch.
func (s *Service) Watch(ctx context.Context, dir string, fn WatchFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Info("watching dataset", "dir", dir)

	// writers usually create then write, so a path is stored once its
	// events have settled
	d := newDebouncer(WatchSettle)
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if match, _ := doublestar.Match(ImagePattern, filepath.Base(ev.Name)); !match {
				continue
			}
			d.touch(ctx, ev.Name)
		case sp := <-d.settled:
			if !d.accept(sp) {
				continue
			}
			stored, err := s.StoreImage(ctx, sp.path)
			if err != nil {
				s.logger.Warn("watched image not stored", "path", sp.path, "error", err)
			}
			if fn != nil {
				fn(sp.path, stored, err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "dir", dir, "error", err)
		}
	}
}

type settledPath struct {
	path string
	gen  uint64
}

// debouncer delays each path until no event has touched it for settle.
// Every touch starts a new generation, so a timer that already fired but
// was superseded is dropped by accept. It is used from one goroutine.
type debouncer struct {
	settle  time.Duration
	settled chan settledPath
	gen     uint64
	pending map[string]uint64
	timers  map[string]*time.Timer
}

func newDebouncer(settle time.Duration) *debouncer {
	return &debouncer{
		settle:  settle,
		settled: make(chan settledPath),
		pending: make(map[string]uint64),
		timers:  make(map[string]*time.Timer),
	}
}

func (d *debouncer) touch(ctx context.Context, path string) {
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.gen++
	sp := settledPath{path: path, gen: d.gen}
	d.pending[path] = sp.gen
	d.timers[path] = time.AfterFunc(d.settle, func() {
		select {
		case d.settled <- sp:
		case <-ctx.Done():
		}
	})
}

// accept reports whether sp is the latest generation for its path and
// forgets the path if so.
func (d *debouncer) accept(sp settledPath) bool {
	if gen, ok := d.pending[sp.path]; !ok || gen != sp.gen {
		return false
	}
	delete(d.pending, sp.path)
	delete(d.timers, sp.path)
	return true
}

func (d *debouncer) stop() {
	for _, t := range d.timers {
		t.Stop()
	}
}
