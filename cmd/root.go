// Package cmd wires the swarmd CLI: the launcher surface on the root
// command plus the serve subcommand running the coordination server.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aiswarm/swarmd/internal/config"
	"github.com/aiswarm/swarmd/internal/git"
	"github.com/aiswarm/swarmd/internal/launcher"
	"github.com/aiswarm/swarmd/internal/log"
	"github.com/aiswarm/swarmd/internal/mcp"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var (
	agentFlag         string
	modelFlag         string
	worktreeFlag      string
	directoryFlag     string
	listFlag          bool
	listWorktreesFlag bool
	dryRunFlag        bool
	initFlag          bool
	monitorFlag       bool
	yoloFlag          bool
	debugFlag         bool
)

var rootCmd = &cobra.Command{
	Use:   "swarmd [description...]",
	Short: "Launch and coordinate swarms of AI agents",
	Long: `swarmd launches AI agent processes and brokers work between them.

Run 'swarmd serve' to start the coordination server, then launch agents
against it:

  swarmd --agent implementer "Add input validation to the parser"
  swarmd --agent coordinator --worktree auth "Plan the auth feature"

The positional arguments form the task description handed to the agent.`,
	Version: version,
	RunE:    runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .aiswarm/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&directoryFlag, "directory", "",
		"project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write a debug log to .aiswarm/swarmd.log")

	rootCmd.Flags().StringVar(&agentFlag, "agent", "", "persona of the agent to launch")
	rootCmd.Flags().StringVar(&modelFlag, "model", "", "model override for the launched agent")
	rootCmd.Flags().StringVar(&worktreeFlag, "worktree", "", "isolate the agent in this git worktree")
	rootCmd.Flags().BoolVar(&listFlag, "list", false, "list available personas")
	rootCmd.Flags().BoolVar(&listWorktreesFlag, "list-worktrees", false, "list git worktrees")
	rootCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "print the launch command without spawning")
	rootCmd.Flags().BoolVar(&initFlag, "init", false, "create a default .aiswarm/config.yaml")
	rootCmd.Flags().BoolVar(&monitorFlag, "monitor", false, "tail the running server's debug log")
	rootCmd.Flags().BoolVar(&yoloFlag, "yolo", false, "pass the client's skip-permissions flag")

	_ = viper.BindPFlag("directory", rootCmd.PersistentFlags().Lookup("directory"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("agents.heartbeat_timeout", defaults.Agents.HeartbeatTimeout)
	viper.SetDefault("agents.check_interval", defaults.Agents.CheckInterval)
	viper.SetDefault("tasks.default_wait", defaults.Tasks.DefaultWait)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	viper.SetEnvPrefix("SWARMD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .aiswarm/config.yaml (project directory)
		// 2. ~/.config/swarmd/config.yaml (user config)
		if _, err := os.Stat(".aiswarm/config.yaml"); err == nil {
			viper.SetConfigFile(".aiswarm/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "swarmd"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// Missing config files are fine; defaults apply.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// workingDir resolves the project directory from flag, config, or cwd.
func workingDir() (string, error) {
	if cfg.Directory != "" {
		return filepath.Abs(cfg.Directory)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return dir, nil
}

// initLogging starts the debug log when enabled. Returns a cleanup func.
func initLogging(dir string) (func(), error) {
	if !cfg.Debug {
		return func() {}, nil
	}
	cleanup, err := log.Init(filepath.Join(dir, ".aiswarm", "swarmd.log"))
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	return cleanup, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	dir, err := workingDir()
	if err != nil {
		return err
	}

	cleanup, err := initLogging(dir)
	if err != nil {
		return err
	}
	defer cleanup()

	switch {
	case initFlag:
		return runInit(dir)
	case listFlag:
		return runListPersonas(cmd.Context(), dir)
	case listWorktreesFlag:
		return runListWorktrees(dir)
	case monitorFlag:
		return runMonitor(cmd.Context())
	case agentFlag != "":
		return runLaunch(cmd.Context(), dir, strings.Join(args, " "))
	default:
		return cmd.Help()
	}
}

func runInit(dir string) error {
	path := filepath.Join(dir, ".aiswarm", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Printf("Created %s\n", path)
	return nil
}

func runListPersonas(ctx context.Context, dir string) error {
	loader := launcher.NewPersonaLoader(personaDir(dir))
	defer loader.Close()

	personas, err := loader.List(ctx)
	if err != nil {
		return fmt.Errorf("listing personas: %w", err)
	}

	for _, p := range personas {
		model := p.Model
		if model == "" {
			model = "-"
		}
		fmt.Printf("%-16s model=%-10s %s\n", p.ID, model, p.Name)
	}
	return nil
}

func runListWorktrees(dir string) error {
	exec := git.NewRealExecutor(dir)
	if !exec.IsGitRepo() {
		return fmt.Errorf("%s is not a git repository", dir)
	}

	worktrees, err := exec.ListWorktrees()
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}

	for _, wt := range worktrees {
		branch := wt.Branch
		if branch == "" {
			branch = "(detached)"
		}
		fmt.Printf("%-40s %s\n", wt.Path, branch)
	}
	return nil
}

// runMonitor streams the running server's debug log to stdout.
func runMonitor(ctx context.Context) error {
	url := "http://" + cfg.ListenAddr + "/logs"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building monitor request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server at %s: %w (is 'swarmd serve' running?)", cfg.ListenAddr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server refused log stream: %s", strings.TrimSpace(string(body)))
	}

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// runLaunch starts one agent. Dry runs resolve everything locally; real
// launches go through the running server so the agent is registered.
func runLaunch(ctx context.Context, dir, description string) error {
	if description == "" {
		return fmt.Errorf("a task description is required (pass it as positional arguments)")
	}

	if dryRunFlag {
		loader := launcher.NewPersonaLoader(personaDir(dir))
		defer loader.Close()

		l := launcher.New(launcher.Config{
			WorkingDir: dir,
			ServerURL:  "http://" + cfg.ListenAddr + "/mcp",
			DryRun:     true,
		}, loader, git.NewRealExecutor(dir))

		result, err := l.Launch(ctx, mcp.LaunchRequest{
			AgentID:      "agent-dry-run",
			Persona:      agentFlag,
			Description:  description,
			Model:        modelFlag,
			WorktreeName: worktreeFlag,
			Yolo:         yoloFlag,
		})
		if err != nil {
			return err
		}
		fmt.Println(result.Command)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := mcp.NewClient("http://" + cfg.ListenAddr + "/mcp")
	result, err := client.CallTool(callCtx, "launch_agent", map[string]any{
		"persona":      agentFlag,
		"description":  description,
		"model":        modelFlag,
		"worktreeName": worktreeFlag,
		"yolo":         yoloFlag,
	})
	if err != nil {
		return fmt.Errorf("launching agent: %w", err)
	}

	if success, _ := result["success"].(bool); !success {
		msg, _ := result["errorMessage"].(string)
		return fmt.Errorf("launch failed: %s", msg)
	}

	agentID, _ := result["agentId"].(string)
	pid, _ := result["pid"].(float64)
	fmt.Printf("Launched agent %s (pid %d)\n", agentID, int(pid))
	return nil
}

func personaDir(dir string) string {
	if cfg.PersonaDir != "" {
		return cfg.PersonaDir
	}
	return filepath.Join(dir, ".aiswarm", "personas")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
