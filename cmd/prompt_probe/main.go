package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/config"
	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/dgnsrekt/offset_tracker/internal/probe"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "prompt_probe",
	Short:         "Show what each prompt detection strategy finds on a page",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "Probe every tracked tab of a running browser",
	Args:  cobra.NoArgs,
	RunE:  runTabs,
}

var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Probe a saved HTML document",
	Args:  cobra.ExactArgs(1),
	RunE:  runFile,
}

func init() {
	rootCmd.PersistentFlags().String("detectors", "", "Detector options YAML (defaults to TRACKER_DETECTORS_FILE)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format (json)")
	tabsCmd.Flags().String("cdp-url", "", "CDP HTTP endpoint (defaults to CHROMIUM_CDP_ADDRESS:CHROMIUM_CDP_PORT)")
	tabsCmd.Flags().String("filter", "", "URL substring of tracked tabs (defaults to TRACKER_SITE_FILTER)")
	tabsCmd.Flags().Duration("timeout", 30*time.Second, "Overall probe timeout")
	rootCmd.AddCommand(tabsCmd, fileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "prompt_probe:", err)
		os.Exit(1)
	}
}

func loadChain(cmd *cobra.Command, cfg *config.Config) (*detect.Chain, error) {
	path, _ := cmd.Flags().GetString("detectors")
	if path == "" {
		path = cfg.DetectorsFile
	}
	if path == "" {
		return detect.NewChain(detect.DefaultOptions()), nil
	}
	opts, err := detect.LoadOptions(path)
	if err != nil {
		return nil, err
	}
	return detect.NewChain(opts), nil
}

func runTabs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	chain, err := loadChain(cmd, cfg)
	if err != nil {
		return err
	}
	cdpURL, _ := cmd.Flags().GetString("cdp-url")
	if cdpURL == "" {
		cdpURL = cfg.CDPURL()
	}
	filter, _ := cmd.Flags().GetString("filter")
	if filter == "" {
		filter = cfg.SiteFilter
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reports, err := probe.Run(ctx, cdpURL, filter, chain)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return fmt.Errorf("no tabs matching %q at %s", filter, cdpURL)
	}
	return output(cmd, reports)
}

func runFile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	chain, err := loadChain(cmd, cfg)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	report, err := probe.ExplainHTML(string(data), chain)
	if err != nil {
		return err
	}
	report.URL = args[0]
	return output(cmd, []probe.Report{report})
}

func output(cmd *cobra.Command, reports []probe.Report) error {
	format, _ := cmd.Flags().GetString("output")
	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	return probe.Write(cmd.OutOrStdout(), reports)
}
