package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blackcoderx/venom/pkg/explorer"
)

var (
	// Version info (injected by GoReleaser)
	version = "dev"

	cfgFile  string
	specFile string
	baseURL  string
	strategy string
	outFile  string
	verbose  bool

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	rootCmd = &cobra.Command{
		Use:   "venom",
		Short: "Venom - automated state-space exploration for HTTP APIs",
		Long: `Venom discovers the reachable state space of an HTTP/JSON API:
it parses an OpenAPI spec into seed actions, executes them against the live
API, threads extracted IDs and tokens into later requests, and builds a
graph of states and transitions with coverage and issue reports.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .venom.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	exploreCmd := &cobra.Command{
		Use:   "explore",
		Short: "Explore an API's state space from its OpenAPI spec",
		RunE:  runExplore,
	}
	exploreCmd.Flags().StringVarP(&specFile, "spec", "s", "", "Path to the OpenAPI spec (.json/.yaml)")
	exploreCmd.Flags().StringVarP(&baseURL, "base-url", "u", "", "Base URL of the API under test")
	exploreCmd.Flags().StringVar(&strategy, "strategy", "bfs", "Exploration strategy (bfs, dfs, random, greedy, hybrid)")
	exploreCmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the JSON result to this file")
	exploreCmd.Flags().Int("max-depth", 10, "Maximum exploration depth")
	exploreCmd.Flags().Int("max-states", 100, "Maximum number of states to visit")
	exploreCmd.Flags().Int("max-transitions", 500, "Maximum number of transitions to record")
	exploreCmd.Flags().Int("timeout", 300, "Wall-clock budget in seconds")
	exploreCmd.Flags().Int("request-timeout", 30, "Per-request timeout in seconds")
	exploreCmd.Flags().String("auth-token", "", "Bearer token for authenticated APIs")
	exploreCmd.Flags().StringSlice("include", nil, "Endpoint include patterns")
	exploreCmd.Flags().StringSlice("exclude", nil, "Endpoint exclude patterns")
	_ = viper.BindPFlag("max_depth", exploreCmd.Flags().Lookup("max-depth"))
	_ = viper.BindPFlag("max_states", exploreCmd.Flags().Lookup("max-states"))
	_ = viper.BindPFlag("max_transitions", exploreCmd.Flags().Lookup("max-transitions"))
	_ = viper.BindPFlag("timeout_seconds", exploreCmd.Flags().Lookup("timeout"))
	_ = viper.BindPFlag("request_timeout_seconds", exploreCmd.Flags().Lookup("request-timeout"))
	_ = viper.BindPFlag("auth_token", exploreCmd.Flags().Lookup("auth-token"))
	_ = viper.BindPFlag("include_patterns", exploreCmd.Flags().Lookup("include"))
	_ = viper.BindPFlag("exclude_patterns", exploreCmd.Flags().Lookup("exclude"))
	rootCmd.AddCommand(exploreCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Lint an OpenAPI spec before exploring it",
		RunE:  runValidate,
	}
	validateCmd.Flags().StringVarP(&specFile, "spec", "s", "", "Path to the OpenAPI spec (.json/.yaml)")
	rootCmd.AddCommand(validateCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("venom " + version)
		},
	})
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, warnStyle.Render("Warning: failed to load .env file"))
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".venom")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("VENOM")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func buildConfig() explorer.ExplorationConfig {
	config := explorer.DefaultConfig()
	if err := viper.Unmarshal(&config); err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("Warning: bad config values, using defaults"))
		config = explorer.DefaultConfig()
	}
	return config
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func runExplore(cmd *cobra.Command, args []string) error {
	if specFile == "" {
		return fmt.Errorf("--spec is required")
	}
	if baseURL == "" {
		return fmt.Errorf("--base-url is required")
	}

	config := buildConfig()
	x := explorer.NewStateExplorer(baseURL, config, explorer.Strategy(strategy),
		explorer.WithLogger(newLogger()))

	actions, err := x.DiscoverEndpoints(specFile)
	if err != nil {
		return err
	}
	fmt.Printf("Discovered %d actions from %s\n", len(actions), specFile)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.TimeoutSeconds)*time.Second)
	defer cancel()

	result, err := x.Explore(ctx, actions)
	if err != nil {
		return err
	}

	printSummary(result)

	if outFile != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if err := os.WriteFile(outFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
		fmt.Printf("Result written to %s\n", outFile)
	}
	return nil
}

func printSummary(result *explorer.ExplorationResult) {
	fmt.Println(titleStyle.Render("Exploration summary"))
	fmt.Printf("  States:      %d\n", result.Coverage.StatesFound)
	fmt.Printf("  Transitions: %d\n", result.Coverage.TransitionsFound)
	fmt.Printf("  Coverage:    %.1f%% (%d/%d endpoints)\n",
		result.Coverage.CoveragePercent,
		result.Coverage.EndpointsTested,
		result.Coverage.EndpointsDiscovered)
	fmt.Printf("  Skipped:     %d actions with unresolved parameters\n", len(result.SkippedActions))
	fmt.Printf("  Duration:    %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Issues) > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("  Issues:      %d", len(result.Issues))))
		for _, severity := range []explorer.IssueSeverity{
			explorer.SeverityCritical, explorer.SeverityHigh, explorer.SeverityMedium,
			explorer.SeverityLow, explorer.SeverityInfo,
		} {
			if n := len(result.IssuesBySeverity(severity)); n > 0 {
				fmt.Printf("    %-8s %d\n", severity, n)
			}
		}
	}
	if result.Error != "" {
		fmt.Println(errStyle.Render("  Error:       " + result.Error))
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	if specFile == "" {
		return fmt.Errorf("--spec is required")
	}
	content, err := os.ReadFile(specFile)
	if err != nil {
		return fmt.Errorf("failed to read spec: %w", err)
	}

	report, err := explorer.LintSpec(content)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Spec check"))
	fmt.Printf("  Version:    %s\n", report.Version)
	fmt.Printf("  Paths:      %d\n", report.Paths)
	fmt.Printf("  Operations: %d\n", report.Operations)
	for _, warning := range report.Warnings {
		fmt.Println(warnStyle.Render("  Warning: " + warning))
	}
	return nil
}
