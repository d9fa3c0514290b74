package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Format is a supported config file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Change actions reported in ChangeEvent.Action.
const (
	ActionLoad   = "load"
	ActionCreate = "create"
	ActionModify = "modify"
	ActionDelete = "delete"
	ActionPoll   = "poll"
)

// ChangeEvent describes one reload of a watched file.
type ChangeEvent struct {
	File      string
	Action    string
	Config    map[string]any
	Timestamp time.Time
}

// ChangeHandler reacts to a reload. Handlers for one file run in order on the
// goroutine that detected the change.
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a parsed file before it replaces the current one.
type Validator func(map[string]any) error

// ConfigManager watches a directory of YAML/JSON files and hot-reloads them.
type ConfigManager struct {
	dir        string
	watcher    *fsnotify.Watcher
	configs    map[string]map[string]any
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	modTimes   map[string]time.Time
	pollEvery  time.Duration
	settle     time.Duration
	started    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	loadMu     sync.Mutex
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewConfigManager creates a manager for dir. The directory is created when
// missing so it can be mounted later.
func NewConfigManager(dir string, logger *zap.Logger) (*ConfigManager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		dir:        dir,
		watcher:    w,
		configs:    make(map[string]map[string]any),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]Validator),
		modTimes:   make(map[string]time.Time),
		settle:     50 * time.Millisecond,
		stopCh:     make(chan struct{}),
		logger:     logger,
	}, nil
}

// EnablePolling adds a stat-based fallback for filesystems where inotify
// events are not delivered, such as some bind mounts. Call before Start.
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	cm.pollEvery = interval
	cm.mu.Unlock()
}

// RegisterHandler subscribes to reloads of filename.
func (cm *ConfigManager) RegisterHandler(filename string, h ChangeHandler) {
	cm.mu.Lock()
	cm.handlers[filename] = append(cm.handlers[filename], h)
	cm.mu.Unlock()
}

// RegisterValidator installs the validator for filename, replacing any other.
func (cm *ConfigManager) RegisterValidator(filename string, v Validator) {
	cm.mu.Lock()
	cm.validators[filename] = v
	cm.mu.Unlock()
}

// Start loads every file in the directory and begins watching it.
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = true
	poll := cm.pollEvery
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := cm.loadAll(ActionLoad); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.wg.Add(1)
	go cm.watchLoop(ctx)
	if poll > 0 {
		cm.wg.Add(1)
		go cm.pollLoop(ctx, poll)
	}

	cm.mu.RLock()
	loaded := len(cm.configs)
	cm.mu.RUnlock()
	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.dir),
		zap.Int("loaded_configs", loaded),
		zap.Duration("poll_interval", poll))
	return nil
}

// Stop ends watching and waits for the loops to exit.
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	if !cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.started = false
	close(cm.stopCh)
	cm.mu.Unlock()

	err := cm.watcher.Close()
	cm.wg.Wait()
	cm.logger.Info("Configuration manager stopped")
	return err
}

// Config returns a copy of the last accepted content of filename.
func (cm *ConfigManager) Config(filename string) (map[string]any, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.configs[filename]
	if !ok {
		return nil, false
	}
	return copyMap(c), true
}

// Reload re-reads filename from disk.
func (cm *ConfigManager) Reload(filename string) error {
	return cm.load(filepath.Join(cm.dir, filename), ActionModify)
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	defer cm.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case ev, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			cm.onEvent(ev)
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) pollLoop(ctx context.Context, every time.Duration) {
	defer cm.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case <-t.C:
			if err := cm.loadAll(ActionPoll); err != nil {
				cm.logger.Warn("Config poll failed", zap.Error(err))
			}
		}
	}
}

func (cm *ConfigManager) onEvent(ev fsnotify.Event) {
	if detectFormat(ev.Name) == "" {
		return
	}
	switch {
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		cm.remove(filepath.Base(ev.Name))
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		action := ActionModify
		if ev.Op.Has(fsnotify.Create) {
			action = ActionCreate
		}
		// Editors often write in several syscalls.
		time.Sleep(cm.settle)
		if err := cm.load(ev.Name, action); err != nil {
			cm.logger.Error("Failed to reload config file",
				zap.String("file", filepath.Base(ev.Name)),
				zap.String("action", action),
				zap.Error(err))
		}
	}
}

// loadAll loads every config file. In poll mode unchanged files are skipped.
func (cm *ConfigManager) loadAll(action string) error {
	return filepath.WalkDir(cm.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != cm.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if detectFormat(path) == "" {
			return nil
		}
		if action == ActionPoll {
			info, err := d.Info()
			if err != nil {
				return err
			}
			cm.mu.RLock()
			seen := cm.modTimes[d.Name()]
			cm.mu.RUnlock()
			if !info.ModTime().After(seen) {
				return nil
			}
		}
		if err := cm.load(path, action); err != nil {
			cm.logger.Error("Failed to load config file", zap.String("file", d.Name()), zap.Error(err))
		}
		return nil
	})
}

func (cm *ConfigManager) load(path, action string) error {
	cm.loadMu.Lock()
	defer cm.loadMu.Unlock()

	name := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	parsed, err := parse(name, data)
	if err != nil {
		return err
	}

	cm.mu.RLock()
	validate := cm.validators[name]
	cm.mu.RUnlock()
	if validate != nil {
		if err := validate(parsed); err != nil {
			return fmt.Errorf("validation failed for %s: %w", name, err)
		}
	}

	cm.mu.Lock()
	cm.configs[name] = parsed
	cm.modTimes[name] = info.ModTime()
	handlers := append([]ChangeHandler(nil), cm.handlers[name]...)
	cm.mu.Unlock()

	cm.logger.Info("Configuration loaded",
		zap.String("file", name),
		zap.String("action", action),
		zap.Int("keys", len(parsed)))
	cm.notify(handlers, ChangeEvent{File: name, Action: action, Config: copyMap(parsed), Timestamp: time.Now()})
	return nil
}

func (cm *ConfigManager) remove(name string) {
	cm.loadMu.Lock()
	defer cm.loadMu.Unlock()

	cm.mu.Lock()
	_, existed := cm.configs[name]
	delete(cm.configs, name)
	delete(cm.modTimes, name)
	handlers := append([]ChangeHandler(nil), cm.handlers[name]...)
	cm.mu.Unlock()
	if !existed {
		return
	}
	cm.logger.Info("Configuration removed", zap.String("file", name))
	cm.notify(handlers, ChangeEvent{File: name, Action: ActionDelete, Timestamp: time.Now()})
}

func (cm *ConfigManager) notify(handlers []ChangeHandler, ev ChangeEvent) {
	for _, h := range handlers {
		if err := h(ev); err != nil {
			cm.logger.Error("Configuration handler error",
				zap.String("file", ev.File),
				zap.String("action", ev.Action),
				zap.Error(err))
		}
	}
}

func parse(name string, data []byte) (map[string]any, error) {
	out := make(map[string]any)
	switch detectFormat(name) {
	case FormatJSON:
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", name, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format for %s", name)
	}
	return out, nil
}

func detectFormat(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	return ""
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			v = copyMap(sub)
		}
		out[k] = v
	}
	return out
}
