// Package service assembles the engine's components and centralizes their
// lifecycle management.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/browser"
	"github.com/autopilot-sh/autopilot/internal/bus"
	"github.com/autopilot-sh/autopilot/internal/config"
	"github.com/autopilot-sh/autopilot/internal/executor"
	"github.com/autopilot-sh/autopilot/internal/observability"
	"github.com/autopilot-sh/autopilot/internal/orchestrator"
	"github.com/autopilot-sh/autopilot/internal/resolve"
	"github.com/autopilot-sh/autopilot/internal/source"
	"github.com/autopilot-sh/autopilot/internal/store/sqlite"
)

// Components holds the initialized services required for a running engine.
type Components struct {
	Repo         schemas.Repository
	Source       schemas.InstructionSource
	Session      *browser.Session
	Bus          *bus.Bus
	Agent        *executor.Agent
	Orchestrator *orchestrator.Engine
}

// New wires every component from the configuration. On error, anything
// already opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = observability.GetLogger()
	}

	if dir := filepath.Dir(cfg.Store.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create state directory: %w", err)
		}
	}
	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath:          cfg.Store.DBPath,
		StalenessWindow: cfg.Automation.StalenessWindow,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open state store: %w", err)
	}

	src, err := source.NewClient(cfg.Source.BaseURL, cfg.Source.Timeout, logger)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not build instruction source: %w", err)
	}

	session, err := browser.NewSession(ctx, cfg.Browser, logger)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("could not start browser: %w", err)
	}

	b := bus.New(logger)
	resolver := resolve.NewResolver(logger)
	exec := executor.New(session, session, resolver, logger)
	agent := executor.NewAgent(exec, b, logger)

	engine, err := orchestrator.New(cfg.Automation, logger, repo, src, session, b)
	if err != nil {
		session.Close()
		repo.Close()
		return nil, err
	}

	return &Components{
		Repo:         repo,
		Source:       src,
		Session:      session,
		Bus:          b,
		Agent:        agent,
		Orchestrator: engine,
	}, nil
}

// Shutdown closes the components in reverse dependency order.
func (c *Components) Shutdown(logger *zap.Logger) {
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")
	if c.Session != nil {
		if err := c.Session.Close(); err != nil {
			logger.Warn("Browser session close failed.", zap.Error(err))
		}
	}
	if c.Repo != nil {
		if err := c.Repo.Close(); err != nil {
			logger.Warn("State store close failed.", zap.Error(err))
		}
	}
	logger.Debug("Components shutdown complete.")
}
