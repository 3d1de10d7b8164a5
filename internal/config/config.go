// Package config provides typed access to the config table.
package config

import (
	"fmt"
	"strconv"

	"github.com/fentz26/agentbridge/internal/store"
)

// Keys for the config table.
const (
	KeyPermissionMode       = "permissionMode"
	KeyModel                = "model"
	KeyMaxTurns             = "maxTurns"
	KeyPermissionTimeoutSec = "permissionTimeoutSec"
	KeyStreamReplies        = "streamReplies"
	KeyWorkDir              = "workDir"
	KeyLanguage             = "language"
)

// defaults maps every valid key to its default value. The value's Go
// type decides how Get coerces the stored string.
var defaults = map[string]interface{}{
	KeyPermissionMode:       "default",
	KeyModel:                "default",
	KeyMaxTurns:             200,
	KeyPermissionTimeoutSec: 120,
	KeyStreamReplies:        false,
	KeyWorkDir:              "",
	KeyLanguage:             "en",
}

// Config wraps the store's config table with typed getters.
type Config struct {
	store *store.Store
}

// New creates a Config over a store.
func New(s *store.Store) *Config {
	return &Config{store: s}
}

// InitDefaults writes any missing keys with their default value.
func (c *Config) InitDefaults() error {
	existing, err := c.store.AllConfig()
	if err != nil {
		return err
	}
	for key, def := range defaults {
		if _, ok := existing[key]; !ok {
			if err := c.store.SetConfig(key, fmt.Sprintf("%v", def)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidKey reports whether key is a known config key.
func ValidKey(key string) bool {
	_, ok := defaults[key]
	return ok
}

// String returns the value for a string-typed key.
func (c *Config) String(key string) string {
	raw, err := c.store.GetConfig(key)
	if err != nil || raw == "" {
		if def, ok := defaults[key].(string); ok {
			return def
		}
		return ""
	}
	return raw
}

// Int returns the value for an int-typed key.
func (c *Config) Int(key string) int {
	raw, err := c.store.GetConfig(key)
	if err == nil && raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			return n
		}
	}
	if def, ok := defaults[key].(int); ok {
		return def
	}
	return 0
}

// Bool returns the value for a bool-typed key.
func (c *Config) Bool(key string) bool {
	raw, err := c.store.GetConfig(key)
	if err == nil && raw != "" {
		return raw == "true"
	}
	if def, ok := defaults[key].(bool); ok {
		return def
	}
	return false
}

// Set stores a value for a known key.
func (c *Config) Set(key, value string) error {
	if !ValidKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	return c.store.SetConfig(key, value)
}

// All returns every key with its effective (stored or default) value.
func (c *Config) All() (map[string]string, error) {
	stored, err := c.store.AllConfig()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(defaults))
	for key, def := range defaults {
		if v, ok := stored[key]; ok {
			out[key] = v
		} else {
			out[key] = fmt.Sprintf("%v", def)
		}
	}
	return out, nil
}
