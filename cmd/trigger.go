package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/config"
	"github.com/autopilot-sh/autopilot/internal/observability"
)

// newTriggerCmd creates the `trigger` command. It asks a running engine to
// start an automation outside the polling schedule by posting a
// TRIGGER_AUTOMATION envelope to the control endpoint.
func newTriggerCmd() *cobra.Command {
	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Asks a running engine to check for an instruction now",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.Control.ListenAddr == "" {
				return fmt.Errorf("control endpoint is disabled (control.listen_addr is empty)")
			}

			env, err := schemas.NewEnvelope("", schemas.MsgTriggerAutomation, nil)
			if err != nil {
				return err
			}
			body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(env)
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 10 * time.Second}
			url := fmt.Sprintf("http://%s/message", cfg.Control.ListenAddr)
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("could not reach the engine at %s: %w", cfg.Control.ListenAddr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("engine rejected the trigger: %s: %s", resp.Status, bytes.TrimSpace(msg))
			}

			logger.Info("Automation trigger accepted", zap.String("endpoint", cfg.Control.ListenAddr))
			return nil
		},
	}
	return triggerCmd
}

func init() {
	rootCmd.AddCommand(newTriggerCmd())
}
