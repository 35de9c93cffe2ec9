package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"apek/pkg/logx"
)

// Debounce coalesces the bursts of events editors produce for one save.
const Debounce = 250 * time.Millisecond

// Watcher reloads config.yml when it changes and hands every successfully
// parsed revision to OnChange. Only settings that can change at runtime
// (the log level and sinks) are expected to be applied by the callback.
type Watcher struct {
	Path     string
	Log      logx.Logger
	OnChange func(Config)
}

// Watch blocks until ctx ends. It watches the directory rather than the
// file so atomic renames by editors are seen.
func (w *Watcher) Watch(ctx context.Context) error {
	log := w.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	dir := filepath.Dir(w.Path)
	file := filepath.Base(w.Path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return err
	}
	log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := Load(w.Path)
		if err != nil {
			log.Warn("config parse failed", logx.String("path", w.Path), logx.Err(err))
			return
		}
		log.Info("config reloaded", logx.String("path", w.Path))
		if w.OnChange != nil {
			w.OnChange(cfg)
		}
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(Debounce, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}
