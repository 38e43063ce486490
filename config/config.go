// Package config loads the daemon configuration from one or more yaml files
// and notifies interested components when it is reloaded.
package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load finds all yaml files within path and merges them in lexical order.
// Lists found in several files are concatenated.
func (c *C) Load(path string) error {
	files, err := resolveFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	m, err := parseFiles(files)
	if err != nil {
		return err
	}

	c.path = path
	c.files = files
	c.Settings = m
	return nil
}

func (c *C) LoadString(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty configuration")
	}

	m, err := parseRaw([]byte(raw))
	if err != nil {
		return err
	}
	c.Settings = m
	return nil
}

// Files returns the files the configuration was loaded from.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback stores a function to be called when a config reload
// is triggered. Callbacks should use HasChanged to decide whether they need
// to act and must return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true if ReloadConfig has not been called yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value of k differs between the settings
// before and after the last reload. Both values are serialized and compared,
// so reordering a map counts as a change. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv = c.Settings
		ov = c.oldSettings
		k = "all settings"
	} else {
		nv = c.get(k, c.Settings)
		ov = c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}

	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the configuration from the original path whenever the
// process receives SIGHUP, until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(ch)
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the configuration again and runs every reload callback.
// The previous settings stay in place if loading fails.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}

	c.oldSettings = old
	for _, v := range c.callbacks {
		v(c)
	}
}

// ReloadConfigString replaces the configuration with raw and runs every
// reload callback.
func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.LoadString(raw); err != nil {
		return err
	}

	c.oldSettings = old
	for _, v := range c.callbacks {
		v(c)
	}
	return nil
}

func parseRaw(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

func parseFiles(files []string) (map[string]any, error) {
	var m map[string]any

	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		nm, err := parseRaw(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		// WithAppendSlice so channel lists spread over several files add up
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		m = nm
	}

	return m, nil
}
