package voicelease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"

	"pkt.systems/pslog"
)

// tokenFile serves the admin token from a file and reloads it when the
// file changes. The parent directory is watched so editors and secret
// managers that replace the file by rename are picked up.
type tokenFile struct {
	path    string
	logger  pslog.Logger
	token   *atomic.String
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func openTokenFile(path string, logger pslog.Logger) (*tokenFile, error) {
	path = filepath.Clean(path)
	token, err := readToken(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("admin token: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("admin token: watch %q: %w", filepath.Dir(path), err)
	}
	t := &tokenFile{
		path:    path,
		logger:  logger,
		token:   atomic.NewString(token),
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("admin token: read %q: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("admin token: file is empty")
	}
	return token, nil
}

// AdminToken returns the last successfully loaded token.
func (t *tokenFile) AdminToken() string {
	return t.token.Load()
}

func (t *tokenFile) run() {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != t.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			t.reload()
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("admin_token.watch.error", "error", err)
		}
	}
}

// reload keeps the previous token when the file is unreadable or empty.
func (t *tokenFile) reload() {
	token, err := readToken(t.path)
	if err != nil {
		t.logger.Warn("admin_token.reload.failed", "path", t.path, "error", err)
		return
	}
	if t.token.Swap(token) != token {
		t.logger.Info("admin_token.reloaded", "path", t.path)
	}
}

func (t *tokenFile) Close() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		err = t.watcher.Close()
		<-t.done
	})
	return err
}
