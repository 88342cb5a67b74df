package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// safeSections lists the section keys validateHotReload accepts; they are
// the only fields Loader.reload ever applies to a running process. Every
// other section (Pipeline, Storage) requires a restart, since it shapes
// the loaded model bundle (see HotReload's doc comment).
var safeSections = map[string]bool{"decision": true, "logging": true, "metrics": true}

// Loader reads config.toml, validates it, and optionally watches it for
// hot-reloadable changes.
type Loader struct {
	path string

	mu     sync.RWMutex
	config *Config

	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader returns a Loader for the TOML file at path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{path: path, ctx: ctx, cancel: cancel, errChan: make(chan error, 1)}
}

// Load reads, schema-validates, and semantically validates the config file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", l.path, err)
	}
	l.config = cfg
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the config file's directory for changes. Only the
// sections named in HotReload.Safe are applied live. A changed Pipeline or
// Storage section is reported as an error on the Errors channel and
// otherwise ignored, since applying it would desynchronize the running
// model bundle from Pipeline; changes to other sections not named in
// HotReload.Safe are ignored without a report.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	l.watcher = watcher

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch directory: %w", err)
	}

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounce *time.Timer
	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, l.reload)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.pushErr(err)
		}
	}
}

// reload loads the file fresh, validates it, and applies only the safe
// sections onto the running config, leaving Pipeline and Storage untouched
// regardless of what the file now says.
func (l *Loader) reload() {
	next, err := loadConfigFromFile(l.path)
	if err != nil {
		l.pushErr(fmt.Errorf("config: reload: %w", err))
		return
	}
	if err := next.Validate(); err != nil {
		l.pushErr(fmt.Errorf("config: reload validate: %w", err))
		return
	}

	l.mu.Lock()
	current := l.config
	restartOnly := false
	if current == nil {
		l.config = next
	} else {
		restartOnly = current.Pipeline != next.Pipeline || current.Storage != next.Storage
		applySafeSections(current, next)
	}
	updated := l.config
	l.mu.Unlock()

	if restartOnly {
		l.pushErr(fmt.Errorf("config: reload: pipeline/storage changes were not applied"))
	}

	for _, cb := range l.onChange {
		cb(updated)
	}
}

// applySafeSections overwrites dst's hot-reloadable sections with src's,
// gated on each section name being listed in dst.HotReload.Safe.
func applySafeSections(dst, src *Config) {
	for section := range safeSections {
		if !containsString(dst.HotReload.Safe, section) {
			continue
		}
		switch section {
		case "decision":
			dst.Decision = src.Decision
		case "logging":
			dst.Logging = src.Logging
		case "metrics":
			dst.Metrics = src.Metrics
		}
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (l *Loader) pushErr(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange registers a callback invoked after every successful hot reload.
func (l *Loader) OnChange(cb func(*Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns the channel hot-reload failures are reported on.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops watching and releases the underlying fsnotify watcher.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile decodes the TOML file at path into a Config, first
// schema-validating the decoded document shape (SPEC_FULL.md §9) before
// type-assigning it, the same two-pass shape neuroauth applies to envelope
// JSON at internal/signal's boundary.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("config: decode TOML: %w", err)
	}
	// Round-trip through encoding/json so the document jsonschema sees uses
	// canonical JSON types (float64, not TOML's int64/time.Time), matching
	// what the library expects when fed anything other than a
	// json.Unmarshal result.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: normalize decoded TOML: %w", err)
	}
	var instance any
	if err := json.Unmarshal(asJSON, &instance); err != nil {
		return nil, fmt.Errorf("config: normalize decoded TOML: %w", err)
	}

	schema, err := compiledConfigSchema()
	if err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("config: %s failed schema validation: %w", path, err)
	}

	cfg := DefaultConfig()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: decode TOML into config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML, creating parent directories as
// needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	return nil
}

// LoadOrCreate loads the config at path, writing and returning the default
// configuration if no file exists yet. The bool result reports whether a
// default file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("config: create default config: %w", err)
		}
		return cfg, true, nil
	}

	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
