package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiswarm/swarmd/internal/config"
	"github.com/aiswarm/swarmd/internal/coordination/agent"
	"github.com/aiswarm/swarmd/internal/coordination/audit"
	"github.com/aiswarm/swarmd/internal/coordination/clock"
	"github.com/aiswarm/swarmd/internal/coordination/event"
	"github.com/aiswarm/swarmd/internal/coordination/memory"
	"github.com/aiswarm/swarmd/internal/coordination/store"
	"github.com/aiswarm/swarmd/internal/coordination/task"
	"github.com/aiswarm/swarmd/internal/git"
	"github.com/aiswarm/swarmd/internal/launcher"
	"github.com/aiswarm/swarmd/internal/log"
	"github.com/aiswarm/swarmd/internal/mcp"
	"github.com/aiswarm/swarmd/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	Long: `Run the coordination server agents connect to. The server persists
agents, tasks, memory entries, and the event log in a SQLite database under
.aiswarm/ and exposes the coordination tools over MCP on HTTP (and
optionally stdio).

Example:
  swarmd serve                        # Listen on the configured address
  swarmd serve --addr 127.0.0.1:9000  # Override the listen address
  swarmd serve --stdio                # Additionally serve MCP on stdio`,
	RunE: runServe,
}

var (
	serveAddr  string
	serveStdio bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "also serve MCP over stdin/stdout")
}

func runServe(cmd *cobra.Command, _ []string) error {
	dir, err := workingDir()
	if err != nil {
		return err
	}

	cleanup, err := initLogging(dir)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}

	// Tracing first so tool spans are captured from the start.
	tracingCfg := cfg.Tracing
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" && tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath(dir)
	}
	traceProvider, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = store.DefaultPath(dir)
	}
	db, err := store.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("opening coordination database: %w", err)
	}

	clk := clock.SystemClock{}
	buses := event.NewBuses()

	// The event logger subscribes before any publisher exists so no
	// lifecycle event escapes the audit trail.
	eventLogger := audit.NewEventLogger(db, buses, clk, audit.DefaultDrainTimeout)
	eventLogger.Start()

	registry := agent.NewRegistry(db, buses, clk, agent.OSTerminator{})
	coordinator := task.NewCoordinator(db, buses, registry, clk)
	coordinator.SetDefaultWait(cfg.Tasks.DefaultWait)
	memoryStore := memory.NewStore(db, buses, clk)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitor := agent.NewMonitor(registry, db, clk, cfg.Agents.HeartbeatTimeout, cfg.Agents.CheckInterval)
	log.SafeGo("agent-monitor", func() { monitor.Run(monitorCtx) })

	personaLoader := launcher.NewPersonaLoader(personaDir(dir))
	if err := personaLoader.Watch(); err != nil {
		log.Warn(log.CatLaunch, "persona watching unavailable", "error", err)
	}

	var gitExec git.Executor
	realGit := git.NewRealExecutor(dir)
	if realGit.IsGitRepo() {
		gitExec = realGit
	}

	agentLauncher := launcher.New(launcher.Config{
		WorkingDir: dir,
		ServerURL:  "http://" + addr + "/mcp",
	}, personaLoader, gitExec)

	server := mcp.NewCoordinationServer(registry, coordinator, memoryStore, agentLauncher)
	server.SetTracer(traceProvider.Tracer())

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.Handler())
	mux.Handle("/logs", mcp.LogTailHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if serveStdio {
		go func() {
			if err := server.Serve(os.Stdin, os.Stdout); err != nil {
				errCh <- fmt.Errorf("stdio transport: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("swarmd listening on %s (db: %s)\n", addr, dbPath)
	log.Info(log.CatConfig, "server started", "addr", addr, "db", dbPath, "stdio", serveStdio)

	var runErr error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case runErr = <-errCh:
	}

	// Shutdown order: stop accepting tool calls, stop background writers,
	// drain the audit trail, then tear down the buses and database.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatMCP, "error stopping http server", err)
	}
	server.Stop()
	stopMonitor()
	personaLoader.Close()
	eventLogger.Stop()
	buses.Close()

	if err := traceProvider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "error shutting down tracing", err)
	}
	if err := db.Close(); err != nil {
		log.ErrorErr(log.CatDB, "error closing database", err)
	}

	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	fmt.Println("Server stopped")
	return nil
}
