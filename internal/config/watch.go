package config

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// lexiconDebounce coalesces the write bursts editors produce when saving
// a pack file.
const lexiconDebounce = 500 * time.Millisecond

// debouncer resets a timer on every trigger so the action fires once
// after the last event in a burst.
type debouncer struct {
	mu       sync.Mutex
	duration time.Duration
	timer    *time.Timer
	action   func()
}

func newDebouncer(duration time.Duration, action func()) *debouncer {
	return &debouncer{duration: duration, action: action}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.action)
}

func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// WatchLexicons reloads the holder whenever a pack file in dir changes.
// Blocks until ctx is cancelled. A reload failure keeps the previous
// lexicon active and logs the parse error.
func WatchLexicons(ctx context.Context, dir string, holder *LexiconHolder, log *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	reload := newDebouncer(lexiconDebounce, func() {
		lex, err := LoadLexicon(dir)
		if err != nil {
			log.Warn("lexicon reload failed, keeping previous pack", zap.Error(err))
			return
		}
		holder.Replace(lex)
		log.Info("lexicon packs reloaded", zap.String("dir", dir))
	})
	defer reload.cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".toml") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload.trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("lexicon watcher error", zap.Error(err))
		}
	}
}
