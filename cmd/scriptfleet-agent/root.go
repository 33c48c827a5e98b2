package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scriptfleet/scriptfleet/internal/agent"
	"github.com/scriptfleet/scriptfleet/internal/agent/executor"
	"github.com/scriptfleet/scriptfleet/pkg/log"
)

// Global flags
var (
	configFile   string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scriptfleet-agent",
	Short: "Scriptfleet agent: runs orchestrator-dispatched scripts on this host",
	Long: `scriptfleet-agent connects this host to a Scriptfleet orchestrator,
receives job and workflow dispatches, runs them against local documents and
reports the results.

Configuration is read from the file given by --config (or
SCRIPTFLEET_AGENT_CONFIG) and overridden by SCRIPTFLEET_AGENT_* environment
variables, for example:
  SCRIPTFLEET_AGENT_ENDPOINT             Orchestrator address
  SCRIPTFLEET_AGENT_TOKEN                Bearer token for the handshake
  SCRIPTFLEET_AGENT_MAX_CONCURRENT_JOBS  Concurrency limit (default: 1)
  SCRIPTFLEET_AGENT_METRICS_ADDR         /metrics, /healthz and /events listener (default: :9092)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{
			"version":          version,
			"commit":           commit,
			"build_time":       buildTime,
			"protocol_version": agent.Version,
			"go_version":       runtime.Version(),
			"platform":         runtime.GOOS + "/" + runtime.GOARCH,
		}
		return printValue(cmd.OutOrStdout(), info)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := agent.Load(configFile)
		if err != nil {
			return err
		}
		return printValue(cmd.OutOrStdout(), cfg.Redacted())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a script for syntax errors without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := agent.Load(configFile)
		if err != nil {
			return err
		}

		source, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}

		engine := executor.NewSubprocessEngine(cfg.ScriptInterpreter, cfg.ScriptCheckArgs, cfg.WorkDir, log.NewNop())

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		result, err := engine.Validate(ctx, string(source))
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		if err := printValue(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("%s is not valid", args[0])
		}
		return nil
	},
}

// printValue writes v in the selected output format.
func printValue(w io.Writer, v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", outputFormat)
	}
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: $SCRIPTFLEET_AGENT_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "Output format: yaml, json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
