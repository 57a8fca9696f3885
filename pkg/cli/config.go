// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/delta/pkg/arrange"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// DemoConfig configures `delta demo`. The zero value is not usable; start
// from DefaultDemoConfig or a YAML file layered over it.
type DemoConfig struct {
	// Accounts is the number of bank accounts the workload transfers
	// between.
	Accounts int `yaml:"accounts"`
	// Transactions is the number of transfer transactions to run after the
	// initial seeding transaction.
	Transactions int `yaml:"transactions"`
	// Rate limits the workload, in transactions per second.
	Rate float64 `yaml:"rate"`
	// CompactionWindow is the demo index's compaction window in timestamps,
	// or "off" to retain all history.
	CompactionWindow string `yaml:"compaction_window"`
	// CompactionInterval is how often the background compactor runs.
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	// MetricsAddr, if nonempty, serves Prometheus metrics on
	// http://<addr>/metrics for the duration of the demo.
	MetricsAddr string `yaml:"metrics_addr"`
	// Seed seeds the workload's random number generator. Zero picks a
	// time-based seed.
	Seed int64 `yaml:"seed"`
}

// DefaultDemoConfig returns the demo's default configuration.
func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		Accounts:           8,
		Transactions:       32,
		Rate:               64,
		CompactionWindow:   "off",
		CompactionInterval: time.Second,
	}
}

// LoadDemoConfig reads a YAML demo configuration, layered over the defaults.
// Unknown fields are rejected.
func LoadDemoConfig(path string) (DemoConfig, error) {
	cfg := DefaultDemoConfig()
	f, err := os.Open(path)
	if err != nil {
		return DemoConfig{}, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		// An empty file means all defaults.
		return DemoConfig{}, errors.Wrapf(err, "parsing demo config %s", path)
	}
	return cfg, nil
}

func (c *DemoConfig) validate() error {
	if c.Accounts < 2 {
		return errors.Newf("demo needs at least 2 accounts, have %d", c.Accounts)
	}
	if c.Transactions < 0 {
		return errors.Newf("transactions must not be negative, have %d", c.Transactions)
	}
	if c.Rate <= 0 {
		return errors.Newf("rate must be positive, have %v", c.Rate)
	}
	if _, err := c.window(); err != nil {
		return err
	}
	if c.CompactionInterval < 0 {
		return errors.Newf("compaction interval must not be negative, have %s",
			c.CompactionInterval)
	}
	return nil
}

// window parses the CompactionWindow field.
func (c *DemoConfig) window() (arrange.Window, error) {
	if c.CompactionWindow == "off" || c.CompactionWindow == "" {
		return arrange.WindowOff, nil
	}
	n, err := strconv.ParseInt(c.CompactionWindow, 10, 64)
	if err != nil {
		return 0, errors.Newf("compaction window must be a number of timestamps or %q, have %q",
			"off", c.CompactionWindow)
	}
	if w := arrange.Window(n); w.IsValid() {
		return w, nil
	}
	return 0, errors.Newf("compaction window must be at least 1 timestamp, have %d", n)
}
