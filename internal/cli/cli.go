// ============================================================================
// cube-tasks CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end that turns flags into task commands and prints the
//          resulting events as JSON lines on stdout.
//
// Command Structure:
//   cube-tasks                     # Root command
//   ├── new                        # Submit a new query and follow it
//   │   ├── --field, -F k=v       # Form field (repeatable)
//   │   └── --form-file           # JSON object of form fields
//   ├── history                    # Resume polling an existing task
//   │   └── --query-id
//   ├── single                     # Process one scene of an existing task
//   │   ├── --query-id
//   │   └── --date
//   ├── batch                      # Run a JSON array of commands concurrently
//   │   └── --file, -f
//   ├── status                     # Show resolved configuration
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --credential              # CSRF token (or CUBE_TASKS_CREDENTIAL)
//   └── --result-type             # Query type sent with new tasks
//
// Configuration Management:
//   YAML config file; a missing file falls back to built-in defaults.
//   - service: base url, app, endpoint overrides, request timeout
//   - polling: interval, max polls, deadline
//   - batch: runner count and buffer size
//   - metrics: Prometheus endpoint
//   - logging: slog level
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the running tasks; they stop without emitting
//   further events.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/cube-tasks/internal/messaging"
	"github.com/ChuLiYu/cube-tasks/internal/metrics"
	"github.com/ChuLiYu/cube-tasks/internal/transport"
	"github.com/ChuLiYu/cube-tasks/internal/worker"
	"github.com/ChuLiYu/cube-tasks/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// CredentialEnv is read when --credential is not given.
const CredentialEnv = "CUBE_TASKS_CREDENTIAL"

// Config represents the complete client configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Service struct {
		BaseURL          string        `yaml:"base_url"`
		App              string        `yaml:"app"`
		SubmitPath       string        `yaml:"submit_path"`
		SubmitSinglePath string        `yaml:"submit_single_path"`
		ResultPath       string        `yaml:"result_path"`
		RequestTimeout   time.Duration `yaml:"request_timeout"`
	} `yaml:"service"`

	Polling struct {
		Interval time.Duration `yaml:"interval"`
		MaxPolls int           `yaml:"max_polls"`
		Deadline time.Duration `yaml:"deadline"`
	} `yaml:"polling"`

	Batch struct {
		Workers    int `yaml:"workers"`
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"batch"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type options struct {
	configFile string
	credential string
	resultType string
	stdout     io.Writer
}

func BuildCLI() *cobra.Command {
	opts := &options{stdout: os.Stdout}

	rootCmd := &cobra.Command{
		Use:   "cube-tasks",
		Short: "cube-tasks: submit and follow data cube analysis tasks",
		Long: `cube-tasks submits long-running analysis queries to a data cube
service, polls them until they finish and prints progress and results
as JSON lines.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.credential, "credential", "", "CSRF token sent with every request (default $"+CredentialEnv+")")
	rootCmd.PersistentFlags().StringVar(&opts.resultType, "result-type", "", "query type sent with new tasks")

	rootCmd.AddCommand(buildNewCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))
	rootCmd.AddCommand(buildSingleCommand(opts))
	rootCmd.AddCommand(buildBatchCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

func buildNewCommand(opts *options) *cobra.Command {
	var fields []string
	var formFile string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Submit a new query and follow it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			form, err := buildForm(fields, formFile)
			if err != nil {
				return err
			}
			return runOne(cmd.Context(), opts, types.Command{
				Command: types.CommandNew,
				Form:    form,
				QueryID: types.NoTaskID,
			})
		},
	}

	cmd.Flags().StringArrayVarP(&fields, "field", "F", nil, "form field as key=value (repeatable)")
	cmd.Flags().StringVar(&formFile, "form-file", "", "JSON object of form fields")
	return cmd
}

func buildHistoryCommand(opts *options) *cobra.Command {
	var queryID int64

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Resume polling a task that already exists on the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOne(cmd.Context(), opts, types.Command{
				Command: types.CommandHistory,
				QueryID: types.TaskID(queryID),
			})
		},
	}

	cmd.Flags().Int64Var(&queryID, "query-id", -1, "id of the existing task")
	cmd.MarkFlagRequired("query-id")
	return cmd
}

func buildSingleCommand(opts *options) *cobra.Command {
	var queryID int64
	var date string

	cmd := &cobra.Command{
		Use:   "single",
		Short: "Process a single scene of an existing task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOne(cmd.Context(), opts, types.Command{
				Command: types.CommandSingle,
				QueryID: types.TaskID(queryID),
				Date:    date,
			})
		},
	}

	cmd.Flags().Int64Var(&queryID, "query-id", -1, "id of the task the scene belongs to")
	cmd.Flags().StringVar(&date, "date", "", "acquisition date of the scene")
	cmd.MarkFlagRequired("query-id")
	cmd.MarkFlagRequired("date")
	return cmd
}

func buildBatchCommand(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a JSON array of commands concurrently",
		Long:  "Read commands from a JSON file and run each one in its own worker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("command file is required (use --file or -f)")
			}
			return runBatch(cmd.Context(), opts, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing commands")
	cmd.MarkFlagRequired("file")
	return cmd
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show resolved configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), opts, cfg)
		},
	}
}

// ============================================================================
// Execution
// ============================================================================

// session holds everything a run needs, built once from the config.
type session struct {
	cfg       *Config
	transport *transport.Client
	sink      messaging.EventSink
	workerCfg worker.Config
}

func setup(opts *options) (*session, error) {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogging(cfg.Logging.Level)

	client, err := transport.NewClient(transport.Config{
		BaseURL:          cfg.Service.BaseURL,
		App:              cfg.Service.App,
		SubmitPath:       cfg.Service.SubmitPath,
		SubmitSinglePath: cfg.Service.SubmitSinglePath,
		ResultPath:       cfg.Service.ResultPath,
		RequestTimeout:   cfg.Service.RequestTimeout,
		Logger:           logger.With("component", "transport"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	rt := &session{
		cfg:       cfg,
		transport: client,
		workerCfg: worker.Config{
			PollInterval: cfg.Polling.Interval,
			MaxPolls:     cfg.Polling.MaxPolls,
			Deadline:     cfg.Polling.Deadline,
			Logger:       logger.With("component", "worker"),
		},
	}

	sinks := messaging.MultiSink{messaging.NewJSONSink(opts.stdout), messaging.LogSink{}}

	// Start Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		sinks = append(sinks, collector)
		rt.workerCfg.Observer = collector

		go func() {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	rt.sink = sinks
	return rt, nil
}

// fill completes a command with the flags shared by every subcommand.
func (o *options) fill(cmd types.Command) types.Command {
	if cmd.Credential == "" {
		cmd.Credential = o.credential
	}
	if cmd.Credential == "" {
		cmd.Credential = os.Getenv(CredentialEnv)
	}
	if cmd.ResultType == "" {
		cmd.ResultType = o.resultType
	}
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runOne(parent context.Context, opts *options, cmd types.Command) error {
	rt, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	w := worker.New(rt.transport, rt.sink, rt.workerCfg)
	if err := w.Run(ctx, opts.fill(cmd)); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	return nil
}

func runBatch(parent context.Context, opts *options, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to read command file: %w", err)
	}
	cmds, err := messaging.DecodeCommands(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to parse command file: %w", err)
	}

	rt, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	pool := worker.NewPool(rt.cfg.Batch.BufferSize, rt.transport, rt.sink, rt.workerCfg)
	if err := pool.Start(ctx, rt.cfg.Batch.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	go func() {
		defer pool.Stop()
		for _, cmd := range cmds {
			if err := pool.Submit(ctx, opts.fill(cmd)); err != nil {
				slog.Error("Failed to submit command", "command", cmd.Command, "error", err)
				return
			}
		}
	}()

	var failed int
	for res := range pool.Results() {
		if res.Err != nil {
			failed++
		}
	}

	slog.Info("Batch finished", "total", len(cmds), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(cmds))
	}
	return nil
}

// buildForm merges --form-file and --field values; fields win.
func buildForm(fields []string, formFile string) (url.Values, error) {
	form := url.Values{}

	if formFile != "" {
		data, err := os.ReadFile(formFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read form file: %w", err)
		}
		cmd, err := messaging.DecodeCommand([]byte(`{"command":"new","form":` + string(data) + `}`))
		if err != nil {
			return nil, fmt.Errorf("failed to parse form file: %w", err)
		}
		for k, v := range cmd.Form {
			form[k] = v
		}
	}

	overridden := map[string]bool{}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", field)
		}
		if !overridden[key] {
			form.Del(key)
			overridden[key] = true
		}
		form.Add(key, value)
	}
	return form, nil
}

// ============================================================================
// Configuration
// ============================================================================

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Service.BaseURL = "http://localhost:8000"
	cfg.Service.App = "custom_mosaic_tool"
	cfg.Polling.Interval = worker.DefaultPollInterval
	cfg.Batch.Workers = 4
	cfg.Batch.BufferSize = 16
	cfg.Metrics.Port = 9090
	cfg.Logging.Level = "info"
	return cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if cfg.Polling.Interval <= 0 {
		cfg.Polling.Interval = worker.DefaultPollInterval
	}
	if cfg.Batch.Workers <= 0 {
		cfg.Batch.Workers = 1
	}
	return cfg, nil
}

// setupLogging installs the stderr handler as default and returns it.
func setupLogging(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func showStatus(w io.Writer, opts *options, cfg *Config) error {
	client, err := transport.NewClient(transport.Config{
		BaseURL:          cfg.Service.BaseURL,
		App:              cfg.Service.App,
		SubmitPath:       cfg.Service.SubmitPath,
		SubmitSinglePath: cfg.Service.SubmitSinglePath,
		ResultPath:       cfg.Service.ResultPath,
	})
	if err != nil {
		return err
	}

	credential := "missing"
	if opts.fill(types.Command{}).Credential != "" {
		credential = "set"
	}

	limit := func(v string, unset bool) string {
		if unset {
			return "unbounded"
		}
		return v
	}

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", opts.configFile)
	fmt.Fprintf(w, "  └─ Credential:      %s\n", credential)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "🌐 Endpoints:")
	fmt.Fprintf(w, "  ├─ Submit:          %s\n", client.Endpoint(transport.EndpointSubmit))
	fmt.Fprintf(w, "  ├─ Submit Single:   %s\n", client.Endpoint(transport.EndpointSubmitSingle))
	fmt.Fprintf(w, "  └─ Result:          %s\n", client.Endpoint(transport.EndpointResult))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "🔄 Polling:")
	fmt.Fprintf(w, "  ├─ Interval:        %s\n", cfg.Polling.Interval)
	fmt.Fprintf(w, "  ├─ Max Polls:       %s\n", limit(fmt.Sprint(cfg.Polling.MaxPolls), cfg.Polling.MaxPolls <= 0))
	fmt.Fprintf(w, "  └─ Deadline:        %s\n", limit(cfg.Polling.Deadline.String(), cfg.Polling.Deadline <= 0))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	return nil
}
