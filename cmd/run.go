package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/config"
	"github.com/autopilot-sh/autopilot/internal/observability"
	"github.com/autopilot-sh/autopilot/internal/orchestrator"
	"github.com/autopilot-sh/autopilot/internal/service"
)

// newRunCmd creates and configures the `run` command, the engine's main loop.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the automation engine and polls the instruction source",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("source.base_url", cmd.Flags().Lookup("source")); err != nil {
				return err
			}
			if err := viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			components, err := service.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown(logger)

			engine := components.Orchestrator
			engine.TogglePolling(cfg.Source.PollEnabled)

			var g run.Group
			g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

			// Page-context executor agent.
			{
				agentCtx, agentCancel := context.WithCancel(ctx)
				g.Add(func() error {
					return components.Agent.Serve(agentCtx)
				}, func(error) {
					agentCancel()
				})
			}

			// Page-ready notices resume checkpointed runs.
			{
				readyCtx, readyCancel := context.WithCancel(ctx)
				g.Add(func() error {
					for {
						select {
						case <-readyCtx.Done():
							return readyCtx.Err()
						case notice := <-components.Session.Ready():
							if err := engine.HandlePageReady(readyCtx, notice); err != nil {
								logger.Warn("Page-ready handling failed.", zap.Error(err))
							}
						}
					}
				}, func(error) {
					readyCancel()
				})
			}

			// Periodic instruction polling.
			{
				pollCtx, pollCancel := context.WithCancel(ctx)
				g.Add(func() error {
					ticker := time.NewTicker(cfg.Source.PollInterval)
					defer ticker.Stop()
					for {
						select {
						case <-pollCtx.Done():
							return pollCtx.Err()
						case <-ticker.C:
							if err := engine.Tick(pollCtx, orchestrator.TriggerPoll); err != nil {
								logger.Warn("Polling run failed.", zap.Error(err))
							}
						}
					}
				}, func(error) {
					pollCancel()
				})
			}

			// Completion and failure notices.
			{
				noticeCtx, noticeCancel := context.WithCancel(ctx)
				g.Add(func() error {
					for {
						select {
						case <-noticeCtx.Done():
							return noticeCtx.Err()
						case env := <-components.Bus.Notices():
							logNotice(logger, env)
						}
					}
				}, func(error) {
					noticeCancel()
				})
			}

			// Local control endpoint for manual triggers and the polling switch.
			if cfg.Control.ListenAddr != "" {
				control := service.NewControl(cfg.Control.ListenAddr, engine, logger)
				g.Add(func() error {
					return control.ListenAndServe()
				}, func(error) {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					if err := control.Shutdown(shutdownCtx); err != nil {
						logger.Warn("Control endpoint shutdown failed.", zap.Error(err))
					}
				})
			}

			logger.Info("Automation engine running",
				zap.String("source", cfg.Source.BaseURL),
				zap.Duration("poll_interval", cfg.Source.PollInterval))

			err = g.Run()
			var sigErr run.SignalError
			if errors.As(err, &sigErr) {
				logger.Info("Shutting down on signal", zap.String("signal", sigErr.Signal.String()))
				return nil
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("engine stopped: %w", err)
			}
			return nil
		},
	}

	runCmd.Flags().String("source", "", "base URL of the instruction source")
	runCmd.Flags().Bool("headless", true, "run the browser headless")
	return runCmd
}

func logNotice(logger *zap.Logger, env schemas.Envelope) {
	switch env.Type {
	case schemas.MsgAutomationCompleted:
		var n schemas.CompletedNotice
		if err := env.Decode(&n); err == nil {
			logger.Info("Automation completed",
				zap.String("session_id", n.SessionID), zap.String("result", n.Result))
		}
	case schemas.MsgAutomationFailed:
		var n schemas.FailedNotice
		if err := env.Decode(&n); err == nil {
			logger.Warn("Automation failed",
				zap.String("session_id", n.SessionID), zap.String("error", n.Error))
		}
	default:
		logger.Debug("Notice", zap.String("type", string(env.Type)))
	}
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
