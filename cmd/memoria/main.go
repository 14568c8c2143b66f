package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memoria/internal/config"
	"github.com/stellarlinkco/memoria/internal/engine"
	"github.com/stellarlinkco/memoria/internal/gateway"
	"github.com/stellarlinkco/memoria/internal/logging"
)

const (
	defaultCLIUser = "cli:local"
	errNoAPIKey    = "API key not set. Run 'memoria onboard' or set MEMORIA_API_KEY / ANTHROPIC_API_KEY"
)

// AgentOptions for running chat with custom dependencies
type AgentOptions struct {
	RuntimeFactory gateway.RuntimeFactory
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "memoria",
	Short: "memoria - conversational memory for chat assistants",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat through the runtime in single message or REPL mode",
	RunE:  runChat,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + scheduler + metrics)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memoria status",
	RunE:  runStatus,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [message]",
	Short: "Record one turn without calling the runtime",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print a user's profile summary",
	RunE:  runSummary,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search a user's memories or conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "List recent global insights",
	RunE:  runInsights,
}

var rememberCmd = &cobra.Command{
	Use:   "remember [content]",
	Short: "Store an explicit memory for a user",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Deduplicate, consolidate and prune memories now",
	RunE:  runMaintain,
}

var (
	messageFlag      string
	userFlag         string
	verboseFlag      bool
	searchLimitFlag  int
	insightLimitFlag int
	turnsFlag        bool
	responseFlag     string
	responseTimeFlag time.Duration
	typeFlag         string
	importanceFlag   int
	tagsFlag         []string
	tickFlag         bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log to stderr")

	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	for _, c := range []*cobra.Command{chatCmd, ingestCmd, summaryCmd, searchCmd, rememberCmd} {
		c.Flags().StringVarP(&userFlag, "user", "u", defaultCLIUser, "User id")
	}
	ingestCmd.Flags().StringVar(&responseFlag, "response", "", "Assistant response to record")
	ingestCmd.Flags().DurationVar(&responseTimeFlag, "response-time", 0, "How long the response took")
	searchCmd.Flags().IntVarP(&searchLimitFlag, "limit", "n", engine.DefaultSearchLimit, "Maximum results")
	searchCmd.Flags().BoolVar(&turnsFlag, "turns", false, "Search conversation turns instead of memories")
	insightsCmd.Flags().IntVarP(&insightLimitFlag, "limit", "n", 10, "Maximum insights")
	insightsCmd.Flags().BoolVar(&tickFlag, "tick", false, "Generate one insight before listing")
	rememberCmd.Flags().StringVarP(&typeFlag, "type", "t", "", "Memory type (fact, preference, learning, conversation)")
	rememberCmd.Flags().IntVarP(&importanceFlag, "importance", "i", 0, "Importance 1-10")
	rememberCmd.Flags().StringSliceVar(&tagsFlag, "tags", nil, "Comma separated tags")

	rootCmd.AddCommand(chatCmd, gatewayCmd, onboardCmd, statusCmd,
		ingestCmd, summaryCmd, searchCmd, insightsCmd, rememberCmd, maintainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if !verboseFlag {
		return zap.NewNop(), nil
	}
	return logging.New(cfg.Logging)
}

// withEngine opens the configured store, runs fn and flushes the engine
// before closing the store.
func withEngine(ctx context.Context, fn func(cfg *config.Config, eng *engine.Engine, logger *zap.Logger) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	eng, store, err := gateway.OpenEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runErr := fn(cfg, eng, logger)
	if err := eng.Flush(ctx); err != nil {
		return errors.Join(runErr, fmt.Errorf("flush: %w", err))
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// runChat is the command handler that uses default options
func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(cmd.Context(), AgentOptions{})
}

// runChatWithOptions runs chat with injectable dependencies for testing.
// Every exchange goes through the memory engine like a gateway message.
func runChatWithOptions(ctx context.Context, opts AgentOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	factory := opts.RuntimeFactory
	if factory == nil {
		factory = func(cfg *config.Config, sysPrompt string) (gateway.Runtime, error) {
			if cfg.Provider.APIKey == "" {
				return nil, errors.New(errNoAPIKey)
			}
			return gateway.DefaultRuntimeFactory(cfg, sysPrompt)
		}
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	return withEngine(ctx, func(cfg *config.Config, eng *engine.Engine, logger *zap.Logger) error {
		rt, err := factory(cfg, gateway.BuildSystemPrompt(cfg.Agent.Workspace, eng))
		if err != nil {
			return err
		}
		defer rt.Close()

		assistant := gateway.NewAssistant(eng, rt, logger)
		sessionID := "cli:" + userFlag

		// Single message mode
		if messageFlag != "" {
			out, err := assistant.Reply(ctx, gateway.Exchange{UserID: userFlag, SessionID: sessionID, Text: messageFlag})
			if err != nil {
				return fmt.Errorf("agent error: %w", err)
			}
			fmt.Fprintln(stdout, out)
			return nil
		}

		// REPL mode
		fmt.Fprintln(stdout, "memoria chat (type 'exit' to quit, '/new' for a new session)")
		scanner := bufio.NewScanner(stdin)
		for {
			fmt.Fprint(stdout, "\n> ")
			if !scanner.Scan() {
				break
			}
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}
			if input == "exit" || input == "quit" {
				break
			}
			if input == gateway.CommandNewSession {
				eng.ResetSession(userFlag)
				fmt.Fprintln(stdout, "Started a new session.")
				continue
			}

			out, err := assistant.Reply(ctx, gateway.Exchange{UserID: userFlag, SessionID: sessionID, Text: input})
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(stdout, out)
		}
		return nil
	})
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return errors.New(errNoAPIKey)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	return withEngine(ctx, func(_ *config.Config, eng *engine.Engine, _ *zap.Logger) error {
		res, err := eng.Ingest(ctx, engine.IngestRequest{
			UserID:       userFlag,
			Text:         strings.Join(args, " "),
			Response:     responseFlag,
			ResponseTime: responseTimeFlag,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

func runSummary(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	return withEngine(ctx, func(_ *config.Config, eng *engine.Engine, _ *zap.Logger) error {
		sum, err := eng.GetSummary(ctx, userFlag)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sum)
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	query := strings.Join(args, " ")
	return withEngine(ctx, func(_ *config.Config, eng *engine.Engine, _ *zap.Logger) error {
		out := cmd.OutOrStdout()
		if turnsFlag {
			turns, err := eng.SearchConversation(ctx, userFlag, query, searchLimitFlag)
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				fmt.Fprintln(out, "No matching turns.")
				return nil
			}
			for _, t := range turns {
				ts := time.UnixMilli(t.TimestampMs).Format(time.RFC3339)
				fmt.Fprintf(out, "%s  %s\n", ts, t.Text)
			}
			return nil
		}

		records, err := eng.SearchMemory(ctx, userFlag, query, searchLimitFlag)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "No matching memories.")
			return nil
		}
		for _, r := range records {
			fmt.Fprintf(out, "[%s] (%d) %s\n", r.Type, r.Importance, r.Content)
		}
		return nil
	})
}

func runInsights(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	return withEngine(ctx, func(_ *config.Config, eng *engine.Engine, _ *zap.Logger) error {
		out := cmd.OutOrStdout()
		if tickFlag {
			if _, ok := eng.RunInsightTick(ctx); !ok {
				fmt.Fprintln(out, "Not enough activity for a new insight.")
			}
		}
		insights := eng.GetRecentInsights(insightLimitFlag)
		if len(insights) == 0 {
			fmt.Fprintln(out, "No insights yet.")
			return nil
		}
		for _, ins := range insights {
			ts := time.UnixMilli(ins.TimestampMs).Format(time.RFC3339)
			fmt.Fprintf(out, "%s  [%s] %s (%.2f)\n", ts, ins.Kind, ins.Text, ins.Confidence)
		}
		return nil
	})
}

func runRemember(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	return withEngine(ctx, func(_ *config.Config, eng *engine.Engine, _ *zap.Logger) error {
		rec, added, err := eng.Remember(ctx, userFlag, strings.Join(args, " "), typeFlag, importanceFlag, tagsFlag)
		if err != nil {
			return err
		}
		if !added {
			fmt.Fprintln(cmd.OutOrStdout(), "Already remembered.")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), rec)
	})
}

func runMaintain(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd)
	return withEngine(ctx, func(_ *config.Config, eng *engine.Engine, _ *zap.Logger) error {
		report, err := eng.RunMaintenance(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	})
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(ws, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	writeIfNotExists(out, filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(out, filepath.Join(ws, "SOUL.md"), defaultSoulMD)

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MEMORIA_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'memoria chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Storage: %s\n", storageDisplay(cfg.Storage))
	fmt.Fprintf(out, "Schedules: insights=%q maintenance=%q\n", cfg.Memory.InsightSchedule, cfg.Memory.MaintenanceSchedule)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "Metrics: http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(out, "Metrics: disabled")
	}

	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		fmt.Fprintln(out, "Workspace: not found (run 'memoria onboard')")
	}

	ctx := cmdContext(cmd)
	store, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "Memory: unavailable (%v)\n", err)
		return nil
	}
	defer store.Close()

	users, err := store.ListUsers(ctx)
	if err != nil {
		fmt.Fprintf(out, "Memory: error (%v)\n", err)
		return nil
	}
	stats, err := store.GetGlobalStats(ctx)
	if err != nil || stats == nil {
		fmt.Fprintf(out, "Memory: %d users\n", len(users))
		return nil
	}
	fmt.Fprintf(out, "Memory: %d users, %d messages\n", len(users), stats.TotalMessages)
	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func storageDisplay(s config.StorageConfig) string {
	switch s.Driver {
	case "redis":
		return fmt.Sprintf("redis (%s)", s.Redis.Addr)
	case "memory":
		return "memory (not persisted)"
	default:
		return fmt.Sprintf("sqlite (%s)", s.SQLitePath)
	}
}

func writeIfNotExists(w io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(w, "  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# memoria Agent

You are a personal AI assistant with long-term memory.

Relevant memories about the user are placed before their message under
[Relevant Memory]. Use them when they help; never recite them verbatim.

## Guidelines
- Be concise and helpful
- Refer back to what the user told you before when it matters
- Ask before assuming a preference that is not in memory
`

const defaultSoulMD = `# Soul

You are a capable personal assistant that helps with daily tasks,
research, coding, and general questions.

Your personality:
- Direct and efficient
- Warm without being chatty
- Curious about what the user is working on
`
