// Package daemon keeps a workspace continuously reconciled: it runs a sync
// pass on an interval, on local store changes, and on backend nudges, with
// debouncing so editor save bursts and notification storms collapse into a
// single pass.
package daemon

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"promptdeck-sync/internal/domain"
	"promptdeck-sync/internal/notify"
	"promptdeck-sync/internal/sync"
)

// Options configures a daemon.
type Options struct {
	// StorePath is the local prompt database file to watch for edits.
	StorePath string
	// Interval is the periodic full-pass cadence.
	Interval time.Duration
	// LocalDebounce is how long to wait after the last local file event
	// before syncing.
	LocalDebounce time.Duration
	Logger        *log.Logger
}

// Daemon funnels three triggers (timer, file watcher, backend nudge) into
// one engine. Overlapping triggers are absorbed by the engine's single-flight
// guard; a pass rejected that way is simply dropped because another pass is
// already doing the same work.
type Daemon struct {
	engine   *sync.Engine
	listener *notify.Listener
	opts     Options
	logger   *log.Logger
	kicks    chan struct{}
}

// New builds a daemon. listener may be nil when the backend offers no
// notification endpoint (CouchDB mode).
func New(engine *sync.Engine, listener *notify.Listener, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Daemon{
		engine:   engine,
		listener: listener,
		opts:     opts,
		logger:   logger,
		kicks:    make(chan struct{}, 1),
	}
}

// Kick requests a sync pass outside the normal triggers.
func (d *Daemon) Kick() {
	select {
	case d.kicks <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled. One initial pass runs immediately so a
// freshly started daemon converges without waiting a full interval.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.StorePath != "" {
		watcher, err := d.watchStore(ctx)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}
	if d.listener != nil {
		go func() {
			if err := d.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Printf("notify listener stopped: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.syncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.syncOnce(ctx)
		case <-d.kicks:
			d.syncOnce(ctx)
		}
	}
}

// watchStore watches the directory containing the store file. SQLite writes
// land in the main file and its -wal sibling, and some filesystems replace
// rather than modify, so the whole directory is watched and events filtered
// by name prefix.
func (d *Daemon) watchStore(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(d.opts.StorePath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	base := filepath.Base(d.opts.StorePath)

	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(d.opts.LocalDebounce)
					fire = timer.C
				} else {
					timer.Reset(d.opts.LocalDebounce)
				}
			case <-fire:
				timer = nil
				fire = nil
				d.Kick()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Printf("watch error: %v", err)
			}
		}
	}()
	return watcher, nil
}

func (d *Daemon) syncOnce(ctx context.Context) {
	stats, err := d.engine.Sync(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSyncInProgress):
		return
	case errors.Is(err, domain.ErrNetworkUnavailable):
		d.logger.Printf("backend unreachable, will retry on next trigger")
		return
	case errors.Is(err, domain.ErrSessionExpired):
		d.logger.Printf("session expired, run \"promptdeck login\" to resume syncing")
		return
	default:
		var retry *domain.ConflictRetryError
		if errors.As(err, &retry) {
			// Someone else won the version race; a fresh pass sees their
			// write and replans.
			d.logger.Printf("version race on %s, rerunning pass", retry.RemoteID)
			if stats2, err2 := d.engine.Sync(ctx); err2 == nil {
				stats = stats2
				break
			} else {
				d.logger.Printf("retry pass failed: %v", err2)
				return
			}
		}
		d.logger.Printf("sync pass failed: %v", err)
		return
	}

	if stats != nil && !statsEmpty(stats) {
		d.logger.Printf("synced: %d up, %d down, %d conflicts split, %d deleted locally, %d deleted remotely, %d item errors",
			stats.Uploaded, stats.Downloaded, stats.ConflictsSplit,
			stats.DeletedLocally, stats.DeletedRemotely, len(stats.Errors))
	}
}

func statsEmpty(s *sync.Stats) bool {
	return s.Uploaded == 0 && s.Downloaded == 0 && s.ConflictsSplit == 0 &&
		s.DeletedLocally == 0 && s.DeletedRemotely == 0 && s.Assigned == 0 &&
		s.Linked == 0 && len(s.Errors) == 0
}
