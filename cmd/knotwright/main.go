// Knotwright drives autonomous, tool-using story-editing sessions
// against a local Ollama server.
//
// It exposes an HTTP API for starting and stepping sessions, streams
// turn updates over WebSocket and optionally MQTT, and offers a CLI for
// one-shot goals. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	knotwright serve             Start the API server
//	knotwright run <goal>        Run one session to completion
//	knotwright models            List models on the Ollama server
//	knotwright init [dir]        Write an example config.yaml
//	knotwright version           Print version and build information
//	knotwright -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/knotwright/internal/agent"
	"github.com/nugget/knotwright/internal/api"
	"github.com/nugget/knotwright/internal/buildinfo"
	"github.com/nugget/knotwright/internal/config"
	"github.com/nugget/knotwright/internal/connwatch"
	"github.com/nugget/knotwright/internal/events"
	"github.com/nugget/knotwright/internal/llm"
	"github.com/nugget/knotwright/internal/mqtt"
	"github.com/nugget/knotwright/internal/summarizer"
	"github.com/nugget/knotwright/internal/tools"
	"github.com/nugget/knotwright/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates to [run] so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "run":
		goal := strings.TrimSpace(strings.Join(cmdArgs, " "))
		if goal == "" {
			return fmt.Errorf("usage: knotwright run <goal>")
		}
		return runGoal(ctx, stdout, stderr, opts, goal)
	case "models":
		return runModels(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Knotwright - autonomous story-editing sessions for local models")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: knotwright [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  run <goal>   Run one session until it ends")
	fmt.Fprintln(w, "  models       List models on the Ollama server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/knotwright/config.yaml, /etc/knotwright/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file. With no
// explicit path and nothing found in the search paths, the built-in
// defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. The level was validated when
// the config was loaded.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

// components are the pieces shared by serve and run.
type components struct {
	manager   *agent.Manager
	workspace *tools.Workspace
}

// buildManager wires the session manager from configuration.
// watchServer probes the default inference server and announces
// readiness changes on the bus.
func watchServer(ctx context.Context, m *connwatch.Manager, cfg *config.Config, bus *events.Bus, logger *slog.Logger) {
	client := llm.NewOllamaClient(cfg.Ollama.URL,
		llm.WithShortTimeout(cfg.Ollama.ShortTimeout()),
		llm.WithLogger(logger),
	)
	announce := func(ready bool, err error) {
		data := map[string]any{"server": cfg.Ollama.URL, "ready": ready}
		if err != nil {
			data["error"] = err.Error()
		}
		bus.Emit(events.SourceConnwatch, events.KindUpstream, "", data)
	}
	m.Watch(ctx, connwatch.Target{
		Name:    cfg.Ollama.URL,
		Probe:   client.Ping,
		OnReady: func() { announce(true, nil) },
		OnDown:  func(err error) { announce(false, err) },
	})
}

func buildManager(cfg *config.Config, logger *slog.Logger, bus *events.Bus, rec agent.UsageRecorder, onUpdate func(agent.TurnResult)) components {
	ws := tools.NewWorkspace()
	reg := tools.NewRegistry()
	reg.RegisterKnotTools(ws)

	compaction := summarizer.Config{
		Threshold:     cfg.Summarizer.Threshold,
		KeepRecent:    cfg.Summarizer.KeepRecent,
		MaxFieldChars: cfg.Summarizer.MaxFieldChars,
		Timeout:       time.Duration(cfg.Summarizer.TimeoutSec) * time.Second,
		Model:         cfg.Summarizer.Model,
	}

	mgr := agent.NewManager(agent.Config{
		NewClient: func(server string) llm.Chatter {
			return llm.NewOllamaClient(server,
				llm.WithShortTimeout(cfg.Ollama.ShortTimeout()),
				llm.WithChatTimeout(cfg.Ollama.ChatTimeout()),
				llm.WithLogger(logger),
			)
		},
		Executor: reg,
		Prompts: agent.DefaultPromptBuilder{
			Context: agent.NewCompositeContextProvider(logger, agent.NewWorkspaceContextProvider(ws)),
		},
		Compaction: &compaction,
		Usage:      rec,
		Bus:        bus,
		OnUpdate:   onUpdate,
		Defaults: agent.LLMConfig{
			Server:      cfg.Ollama.URL,
			Model:       cfg.Ollama.Model,
			Temperature: cfg.Ollama.Temperature,
			NumPredict:  cfg.Ollama.NumPredict,
		},
		DefaultMaxIterations: cfg.Session.MaxIterations,
		ManualStep:           cfg.Session.ManualStep,
		Logger:               logger,
	})
	return components{manager: mgr, workspace: ws}
}

// runServe is the primary operating mode. It starts the API server and
// the optional MQTT publisher, and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting Knotwright",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"ollama", cfg.Ollama.URL,
		"model", cfg.Ollama.Model,
		"port", cfg.Listen.Port,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer store.Close()

	bus := events.New()
	daily := mqtt.NewDailyTokens(nil)
	c := buildManager(cfg, logger, bus, agent.MultiUsage(store, daily), nil)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, c.manager, bus, logger)
	server.SetUsage(store)
	watch := connwatch.NewManager(logger)
	server.SetHealth(watch)

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, bus, daily, c.manager, logger)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	watchServer(gctx, watch, cfg, bus, logger)
	defer watch.Stop()
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	if publisher != nil {
		g.Go(func() error { return publisher.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer shutdownCancel()
		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Knotwright stopped")
	return nil
}

// runGoal runs one session against a fresh in-memory workspace until it
// reaches a terminal state or asks the user a question. Turns the model
// ends without a tool call are followed by another turn; the iteration
// budget bounds the loop.
func runGoal(ctx context.Context, stdout, stderr io.Writer, opts options, goal string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report := newReporter(stdout, opts.outputFmt)
	c := buildManager(cfg, logger, nil, nil, report.turn)
	return driveSession(ctx, c, goal, report)
}

func driveSession(ctx context.Context, c components, goal string, report *reporter) error {
	id, err := c.manager.StartSession(ctx, goal, 0, agent.LLMConfig{})
	if err != nil {
		return err
	}

	res, err := c.manager.Run(ctx, id)
	for err == nil && res.Status == agent.StatusActive && !res.AwaitingUser {
		if ctx.Err() != nil {
			c.manager.CancelSession(id)
			break
		}
		res, err = c.manager.Run(ctx, id)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	snap, _ := c.manager.GetState(id)
	report.final(snap, c.workspace.List())
	if snap != nil && snap.Status == agent.StatusError {
		return fmt.Errorf("session failed: %s", snap.LastError)
	}
	return nil
}

// reporter prints turn updates and the final outcome of a CLI session.
type reporter struct {
	w   io.Writer
	fmt string
	enc *json.Encoder
}

func newReporter(w io.Writer, outputFmt string) *reporter {
	return &reporter{w: w, fmt: outputFmt, enc: json.NewEncoder(w)}
}

func (r *reporter) turn(res agent.TurnResult) {
	if r.fmt == "json" {
		_ = r.enc.Encode(map[string]any{"type": "turn", "update": res})
		return
	}

	names := make([]string, len(res.ToolCalls))
	for i, c := range res.ToolCalls {
		names[i] = c.Name
	}
	line := fmt.Sprintf("[%d/%d] %s", res.Iteration, res.MaxIterations, res.Status)
	if res.Path != "" {
		line += " (" + string(res.Path) + ")"
	}
	if len(names) > 0 {
		line += " tools: " + strings.Join(names, ", ")
	}
	fmt.Fprintln(r.w, line)
	if res.HistoryCompaction != nil {
		fmt.Fprintf(r.w, "  compacted %d messages\n", res.HistoryCompaction.MessagesSummarized)
	}
	if res.Warning != "" {
		fmt.Fprintf(r.w, "  warning: %s\n", res.Warning)
	}
	if res.Error != "" {
		fmt.Fprintf(r.w, "  error: %s\n", res.Error)
	}
	if res.AwaitingUser {
		fmt.Fprintf(r.w, "  question: %s\n", res.Question)
	}
}

func (r *reporter) final(snap *agent.Snapshot, knots []tools.Knot) {
	if snap == nil {
		return
	}
	if r.fmt == "json" {
		_ = r.enc.Encode(map[string]any{"type": "result", "session": snap, "knots": knots})
		return
	}

	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "Session %s: %s after %d iteration(s)\n", snap.ID, snap.Status, snap.Iteration)
	if snap.CompletionSummary != "" {
		fmt.Fprintf(r.w, "Summary: %s\n", snap.CompletionSummary)
	}
	for _, k := range knots {
		fmt.Fprintf(r.w, "\n=== %s ===\n%s\n", k.Name, k.Content)
	}
}

func runModels(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	client := llm.NewOllamaClient(cfg.Ollama.URL, llm.WithShortTimeout(cfg.Ollama.ShortTimeout()))
	models, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models on %s: %w", client.BaseURL(), err)
	}

	if opts.outputFmt == "json" {
		if models == nil {
			models = []string{}
		}
		return json.NewEncoder(stdout).Encode(map[string]any{"server": client.BaseURL(), "models": models})
	}
	for _, m := range models {
		fmt.Fprintln(stdout, m)
	}
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm fs.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, err
	}
	return true, nil
}
