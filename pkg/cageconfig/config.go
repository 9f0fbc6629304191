// Package cageconfig loads Cage's process-wide configuration from the
// environment (spec.md §6) and, optionally, a .cage/crew.yaml seed file.
package cageconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/fileutil"
	"github.com/cagehq/cage/pkg/logger"
)

var log = logger.New("cageconfig")

// Config holds every environment-driven setting a running Cage process needs.
type Config struct {
	RepoPath         string
	PodToken         string
	LockDefaultTTL   time.Duration
	RunMaxConcurrent int
	RunDefaultTimeout time.Duration
	RetryMax         int
	RetryBase        time.Duration
	RetryCap         time.Duration
}

// Load reads Config from the environment, falling back to the defaults in
// pkg/constants for anything unset. RepoPath defaults to the current working
// directory; PodToken has no default and an empty value means the gateway
// will reject every request (fail closed).
func Load() (*Config, error) {
	cfg := &Config{
		LockDefaultTTL:    constants.DefaultLockTTL,
		RunMaxConcurrent:  constants.DefaultRunMaxConcurrent,
		RunDefaultTimeout: constants.DefaultRunTimeout,
		RetryMax:          constants.DefaultRetryMax,
		RetryBase:         constants.DefaultRetryBase,
		RetryCap:          constants.DefaultRetryCap,
	}

	cfg.RepoPath = os.Getenv(constants.EnvRepoPath.String())
	if cfg.RepoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving default repo path: %w", err)
		}
		cfg.RepoPath = wd
	}
	if !fileutil.DirExists(cfg.RepoPath) {
		return nil, fmt.Errorf("%s is not a directory: %s", constants.EnvRepoPath, cfg.RepoPath)
	}

	cfg.PodToken = os.Getenv(constants.EnvPodToken.String())
	if cfg.PodToken == "" {
		log.Warnf("%s is not set; the MCP gateway will reject every request", constants.EnvPodToken)
	}

	if err := overrideSeconds(constants.EnvLockDefaultTTLSeconds, &cfg.LockDefaultTTL); err != nil {
		return nil, err
	}
	if err := overrideInt(constants.EnvRunMaxConcurrent, &cfg.RunMaxConcurrent); err != nil {
		return nil, err
	}
	if err := overrideSeconds(constants.EnvRunDefaultTimeoutSeconds, &cfg.RunDefaultTimeout); err != nil {
		return nil, err
	}
	if err := overrideInt(constants.EnvRetryMax, &cfg.RetryMax); err != nil {
		return nil, err
	}
	if err := overrideMillis(constants.EnvRetryBaseMS, &cfg.RetryBase); err != nil {
		return nil, err
	}
	if err := overrideMillis(constants.EnvRetryCapMS, &cfg.RetryCap); err != nil {
		return nil, err
	}

	return cfg, nil
}

func overrideSeconds(name constants.EnvVar, dst *time.Duration) error {
	raw := os.Getenv(name.String())
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func overrideMillis(name constants.EnvVar, dst *time.Duration) error {
	raw := os.Getenv(name.String())
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func overrideInt(name constants.EnvVar, dst *int) error {
	raw := os.Getenv(name.String())
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}
