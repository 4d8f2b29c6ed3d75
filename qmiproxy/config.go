// Copyright 2024 The qmi Authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package qmiproxy

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/grid-x/qmi"
)

// Config is the optional on-disk configuration for cmd/qmi-proxyd. Every
// field has a sensible zero-value default: flags remain the primary
// configuration surface, and a config file is only needed to set an
// authorization allow-list.
type Config struct {
	// CommandTimeout bounds every forwarded command and CTL operation.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// AllowedUIDs restricts which peer uids may open a session. An empty
	// list falls back to the server's own uid.
	AllowedUIDs []uint32 `yaml:"allowed_uids"`
}

// LoadConfig reads and parses a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("qmiproxy: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("qmiproxy: parse config: %w", err)
	}
	return &cfg, nil
}

// Authorizer builds an Authorizer from the configured uid allow-list, or
// nil if the list is empty (meaning: fall back to defaultAuthorize).
func (c *Config) Authorizer() Authorizer {
	if c == nil || len(c.AllowedUIDs) == 0 {
		return nil
	}
	allowed := make(map[uint32]struct{}, len(c.AllowedUIDs))
	for _, uid := range c.AllowedUIDs {
		allowed[uid] = struct{}{}
	}
	return func(cred *unix.Ucred, _ string) error {
		if _, ok := allowed[cred.Uid]; !ok {
			return qmi.ErrPermission
		}
		return nil
	}
}
