package main

import (
	"fmt"
	"strings"
	"sync"

	"log/slog"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/nntp"
	"newshound/internal/nzbstore"
	"newshound/internal/store"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.NewFromConfig(cfg)
}

func (c *commandContext) openLog() (*events.Log, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	log, err := events.Open(cfg.EventsDBPath())
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return log, nil
}

func (c *commandContext) openStore() (*store.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.StoreDBPath())
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	return st, nil
}

func (c *commandContext) openManifests() (*nzbstore.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	manifests, err := nzbstore.Open(cfg.ManifestsDBPath())
	if err != nil {
		return nil, fmt.Errorf("open manifest store: %w", err)
	}
	return manifests, nil
}

func (c *commandContext) serverOptions() (nntp.Options, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nntp.Options{}, err
	}
	return nntp.Options{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		TLS:      cfg.Server.TLS,
		Username: cfg.Server.Username,
		Password: cfg.Server.Password,
		Timeout:  cfg.ServerTimeout(),
	}, nil
}

func (c *commandContext) dialServer() (*nntp.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}
	opts, err := c.serverOptions()
	if err != nil {
		return nil, err
	}
	return nntp.Dial(opts)
}
