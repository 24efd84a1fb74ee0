package script

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Overrides is the read side of the configuration store; a stored value
// under a middleware name replaces the bundled file.
type Overrides interface {
	Retrieve(name string) (string, bool)
}

// #region library
// Library loads bundled scripts by stable name ("bundle/iob" reads
// <dir>/bundle/iob.js) and caches their sources until the directory changes.
type Library struct {
	dir       string
	overrides Overrides
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[string]string
}

func NewLibrary(dir string, overrides Overrides, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		dir:       dir,
		overrides: overrides,
		logger:    logger,
		cache:     make(map[string]string),
	}
}

func (l *Library) path(name string) string {
	return filepath.Join(l.dir, filepath.FromSlash(name)+".js")
}

// Load returns the named bundled script.
func (l *Library) Load(name string) (Source, error) {
	l.mu.RLock()
	body, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return Source{Name: name, Body: body}, nil
	}

	data, err := os.ReadFile(l.path(name))
	if err != nil {
		return Source{}, fmt.Errorf("load script %s: %w", name, err)
	}
	body = string(data)

	l.mu.Lock()
	l.cache[name] = body
	l.mu.Unlock()
	return Source{Name: name, Body: body}, nil
}

// LoadAll loads names in order.
func (l *Library) LoadAll(names []string) ([]Source, error) {
	out := make([]Source, 0, len(names))
	for _, name := range names {
		src, err := l.Load(name)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// Middleware returns the user's stored middleware if there is one, else the
// bundled file. ok is false when neither exists.
func (l *Library) Middleware(name string) (Source, bool) {
	if l.overrides != nil {
		if body, ok := l.overrides.Retrieve(name + ".js"); ok && strings.TrimSpace(body) != "" {
			return Source{Name: name, Body: body}, true
		}
	}
	src, err := l.Load(name)
	if err != nil {
		return Source{}, false
	}
	return src, true
}

// Invalidate drops every cached source.
func (l *Library) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]string)
	l.mu.Unlock()
}
// #endregion library

// #region watch
// Watch invalidates the cache whenever a script under the directory changes.
// It blocks until ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("script watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.logger.Info("watching scripts", zap.String("dir", l.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					watcher.Add(event.Name)
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug("script changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			l.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("script watcher", zap.Error(err))
		}
	}
}
// #endregion watch
