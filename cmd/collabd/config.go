package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

const ConfigDebounceTimeout = 100 * time.Millisecond

type Config struct {
	Listen       string `toml:"listen"`
	AuthSecret   string `toml:"auth_secret"`
	LogVerbosity int    `toml:"log_verbosity"`
	Announce     bool   `toml:"announce"`
	InstanceName string `toml:"instance_name"`

	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Document DocumentConfig `toml:"document"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	Db       int    `toml:"db"`
}

type PostgresConfig struct {
	Url string `toml:"url"`
}

type DocumentConfig struct {
	HistorySize         int `toml:"history_size"`
	SaveIntervalSeconds int `toml:"save_interval_seconds"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8300",
		InstanceName: "collabd",
		Document: DocumentConfig{
			HistorySize:         500,
			SaveIntervalSeconds: 30,
		},
	}
}

// LoadConfig reads a toml file over the defaults. An empty path loads
// the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) Validate() error {
	if self.Listen == "" {
		return fmt.Errorf("listen must be set")
	}
	if self.Document.HistorySize <= 0 {
		return fmt.Errorf("document.history_size must be positive")
	}
	if self.Document.SaveIntervalSeconds <= 0 {
		return fmt.Errorf("document.save_interval_seconds must be positive")
	}
	if self.LogVerbosity < 0 {
		return fmt.Errorf("log_verbosity must not be negative")
	}
	return nil
}

// Reloadable returns a copy of `next` with the fields that cannot
// change on a running server pinned to the current values. Pinned
// changes are logged so the operator knows a restart is needed.
func (self *Config) Reloadable(next *Config) *Config {
	out := *next
	if next.Listen != self.Listen {
		glog.Warningf("[conf]listen change needs a restart (%s -> %s)", self.Listen, next.Listen)
		out.Listen = self.Listen
	}
	if next.AuthSecret != self.AuthSecret {
		glog.Warningf("[conf]auth_secret change needs a restart")
		out.AuthSecret = self.AuthSecret
	}
	if next.Redis != self.Redis {
		glog.Warningf("[conf]redis change needs a restart")
		out.Redis = self.Redis
	}
	if next.Postgres != self.Postgres {
		glog.Warningf("[conf]postgres change needs a restart")
		out.Postgres = self.Postgres
	}
	if next.Announce != self.Announce || next.InstanceName != self.InstanceName {
		glog.Warningf("[conf]announce change needs a restart")
		out.Announce = self.Announce
		out.InstanceName = self.InstanceName
	}
	return &out
}

// ConfigWatcher reloads the config file when it changes on disk and
// hands the merged result to `onChange`. Invalid rewrites are logged
// and skipped, the previous config stays active.
type ConfigWatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)

	stateLock sync.Mutex
	config    *Config
}

func NewConfigWatcher(ctx context.Context, path string, config *Config, onChange func(*Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory so editors that replace the file are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	self := &ConfigWatcher{
		ctx:      cancelCtx,
		cancel:   cancel,
		path:     path,
		watcher:  watcher,
		onChange: onChange,
		config:   config,
	}
	go self.run()
	return self, nil
}

func (self *ConfigWatcher) run() {
	defer self.watcher.Close()

	pending := false
	for {
		var debounce <-chan time.Time
		if pending {
			debounce = time.After(ConfigDebounceTimeout)
		}
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(self.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending = true
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Warningf("[conf]watch = %s", err)
		case <-debounce:
			pending = false
			self.reload()
		}
	}
}

func (self *ConfigWatcher) reload() {
	next, err := LoadConfig(self.path)
	if err != nil {
		glog.Warningf("[conf]reload = %s", err)
		return
	}

	self.stateLock.Lock()
	applied := self.config.Reloadable(next)
	self.config = applied
	self.stateLock.Unlock()

	glog.Infof("[conf]reloaded %s", self.path)
	if self.onChange != nil {
		self.onChange(applied)
	}
}

func (self *ConfigWatcher) Config() *Config {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.config
}

func (self *ConfigWatcher) Close() {
	self.cancel()
}
