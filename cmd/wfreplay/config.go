package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/wfcore/runtime/worker"
)

const (
	defaultNamespace = "default"
	defaultTaskQueue = "wfreplay"
	// defaultPageSize is small so long histories exercise pagination.
	defaultPageSize = 100
)

// config is the YAML configuration of the replay tool.
type config struct {
	Namespace          string `yaml:"namespace"`
	TaskQueue          string `yaml:"task_queue"`
	Identity           string `yaml:"identity"`
	MaxCachedWorkflows *int   `yaml:"max_cached_workflows"`
	HistoryPageSize    int32  `yaml:"history_page_size"`
}

// loadConfig reads the configuration at path. An empty path yields the
// defaults.
func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = defaultTaskQueue
	}
	if cfg.MaxCachedWorkflows == nil {
		n := worker.DefaultMaxCachedWorkflows
		cfg.MaxCachedWorkflows = &n
	}
	if *cfg.MaxCachedWorkflows < 0 {
		return nil, errors.New("max_cached_workflows must not be negative")
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultPageSize
	}
	return cfg, nil
}

func (c *config) workerOptions() worker.Options {
	return worker.Options{
		MaxCachedWorkflows: *c.MaxCachedWorkflows,
		Namespace:          c.Namespace,
		TaskQueue:          c.TaskQueue,
		Identity:           c.Identity,
		HistoryPageSize:    c.HistoryPageSize,
	}
}
