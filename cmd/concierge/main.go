package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"concierge/internal/app"
	"concierge/internal/config"
	"concierge/internal/engine"
	"concierge/internal/server"
	conciergesdk "concierge/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "Conversational concierge CLI",
	Long: `Concierge runs a customer-support dialogue engine.
Core concepts:
- Conversation: one customer thread; status goes active -> handoff -> closed.
- Turn: one user message in, one reply out, bounded by turn.deadline.
- Slots: facts extracted from messages (date, time, email, intent).
- Tools: simulated calendar, booking, ticketing and handoff calls behind per-tool circuit breakers.
- Handoff: once a human takes over, automation stays silent until an operator resets the conversation.
- Event log: lifecycle diary, view with 'concierge log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONCIERGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/concierge.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-operator", "actor identifier recorded on operator actions")
	flags.String("url", "", "talk to a running server instead of the local store")
	flags.String("token", "", "bearer token for --url")

	flags.Duration("deadline", 0, "override turn.deadline")
	flags.Duration("policy-timeout", 0, "override turn.policy_timeout")
	flags.Int("max-iterations", 0, "override turn.max_iterations")
	flags.Float64("low-confidence", 0, "override turn.low_confidence_threshold")
	flags.Duration("lock-wait", 0, "override turn.lock_wait")
	flags.Duration("tool-timeout", 0, "override tools.timeout")
	flags.Int("breaker-threshold", 0, "override breaker.failure_threshold")
	flags.Duration("breaker-cooldown", 0, "override breaker.cooldown")

	for _, name := range []string{
		"workspace", "config", "json", "actor-id", "url", "token",
		"deadline", "policy-timeout", "max-iterations", "low-confidence",
		"lock-wait", "tool-timeout", "breaker-threshold", "breaker-cooldown",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(conversationCmd())
	rootCmd.AddCommand(breakersCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{Logger: a.Logger.With("component", "auth")}
				if env := a.Config.Server.JWTSecretEnv; env != "" {
					authCfg.JWTSecret = os.Getenv(env)
				}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("no JWT secret configured; operator routes are open", "env", a.Config.Server.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Breakers: a.Breakers,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   a.Logger.With("component", "http"),
				})
				if err != nil {
					return err
				}
				if a.Notifier != nil {
					go a.Notifier.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving concierge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

// turnFunc runs one turn against either the local engine or a server.
type turnFunc func(ctx context.Context, conversationID, message string) (turnView, error)

type turnView struct {
	ConversationID string   `json:"conversation_id"`
	Response       string   `json:"response"`
	Status         string   `json:"conversation_status"`
	Tools          []string `json:"tools"`
	LatencyMS      int64    `json:"latency_ms"`
}

func chatCmd() *cobra.Command {
	var conversationID, userID string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the concierge",
		Long:  "With a message argument, runs a single turn and exits. Without one, reads lines from stdin until EOF.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run := func(ctx context.Context, create func(context.Context) (string, error), turn turnFunc) error {
				if conversationID == "" {
					id, err := create(ctx)
					if err != nil {
						return err
					}
					conversationID = id
					if !viper.GetBool("json") {
						fmt.Printf("conversation %s\n", conversationID)
					}
				}
				if len(args) == 1 {
					return chatOnce(ctx, turn, conversationID, args[0])
				}
				return chatLoop(ctx, cmd.InOrStdin(), turn, conversationID)
			}
			if client := remoteClient(); client != nil {
				return run(cmd.Context(),
					func(ctx context.Context) (string, error) {
						c, err := client.CreateConversation(ctx, userID)
						return c.ID, err
					},
					func(ctx context.Context, id, msg string) (turnView, error) {
						res, err := client.SendMessage(ctx, id, msg)
						if err != nil {
							return turnView{}, err
						}
						view := turnView{ConversationID: res.ConversationID, Response: res.Response, Status: res.Status, LatencyMS: res.LatencyMS}
						for _, tc := range res.ToolCalls {
							view.Tools = append(view.Tools, tc.ToolName+":"+tc.Status)
						}
						return view, nil
					})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return run(ctx,
					func(ctx context.Context) (string, error) {
						c, err := a.Engine.CreateConversation(ctx, userID, viper.GetString("actor-id"))
						return c.ID, err
					},
					func(ctx context.Context, id, msg string) (turnView, error) {
						res, err := a.Engine.HandleTurn(ctx, id, msg)
						if err != nil {
							return turnView{}, err
						}
						return localTurnView(res), nil
					})
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id for a new conversation")
	return cmd
}

func localTurnView(res engine.TurnResult) turnView {
	view := turnView{ConversationID: res.ConversationID, Response: res.Reply, Status: res.Status, LatencyMS: res.LatencyMS}
	for _, tc := range res.ToolCalls {
		view.Tools = append(view.Tools, tc.ToolName+":"+tc.Status)
	}
	return view
}

func chatOnce(ctx context.Context, turn turnFunc, conversationID, message string) error {
	view, err := turn(ctx, conversationID, message)
	if err != nil {
		return err
	}
	printTurn(view)
	return nil
}

func chatLoop(ctx context.Context, in io.Reader, turn turnFunc, conversationID string) error {
	scanner := bufio.NewScanner(in)
	for {
		if !viper.GetBool("json") {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := chatOnce(ctx, turn, conversationID, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func conversationCmd() *cobra.Command {
	conv := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect and operate on conversations",
	}
	conv.AddCommand(conversationCreateCmd())
	conv.AddCommand(conversationShowCmd())
	conv.AddCommand(conversationListCmd())
	conv.AddCommand(conversationHistoryCmd())
	conv.AddCommand(conversationToolCallsCmd())
	conv.AddCommand(conversationHandoffCmd())
	conv.AddCommand(conversationResetCmd())
	conv.AddCommand(conversationCloseCmd())
	return conv
}

func conversationCreateCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				c, err := client.CreateConversation(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateConversation(ctx, userID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	return cmd
}

func conversationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				c, err := client.GetConversation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetConversation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conversationListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				items, err := client.ListConversations(cmd.Context(), status, limit)
				if err != nil {
					return err
				}
				rows := make([]conversationRow, 0, len(items))
				for _, c := range items {
					rows = append(rows, conversationRow{c.ID, c.UserID, c.Status, c.UpdatedAt})
				}
				return printConversations(items, rows)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListConversations(ctx, status, limit)
				if err != nil {
					return err
				}
				rows := make([]conversationRow, 0, len(items))
				for _, c := range items {
					rows = append(rows, conversationRow{c.ID, c.UserID, c.Status, c.UpdatedAt})
				}
				return printConversations(items, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, handoff, closed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func conversationHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				msgs, err := client.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := make([]messageRow, 0, len(msgs))
				for _, m := range msgs {
					rows = append(rows, messageRow{m.OrderIndex, m.Role, m.Content})
				}
				return printMessages(msgs, rows)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]messageRow, 0, len(msgs))
				for _, m := range msgs {
					rows = append(rows, messageRow{m.OrderIndex, m.Role, m.Content})
				}
				return printMessages(msgs, rows)
			})
		},
	}
}

func conversationToolCallsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tool-calls <conversation-id>",
		Short: "Show audited tool invocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				recs, err := client.ToolCalls(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := make([]toolCallRow, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, toolCallRow{r.ID, r.ToolName, r.Status, r.DurationMS, r.ErrorDetail})
				}
				return printToolCalls(recs, rows)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.ToolCalls(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]toolCallRow, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, toolCallRow{r.ID, r.ToolName, r.Status, r.DurationMS, r.ErrorDetail})
				}
				return printToolCalls(recs, rows)
			})
		},
	}
}

func conversationHandoffCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "handoff <conversation-id>",
		Short: "Hand a conversation to a human operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				res, err := client.Handoff(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Handoff(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "handoff reason")
	return cmd
}

func conversationResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <conversation-id>",
		Short: "Return a handed-off conversation to automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				c, err := client.Reset(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResetConversation(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func conversationCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Close a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				c, err := client.Close(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CloseConversation(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func breakersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "Show tool circuit breakers of a running server",
		Long:  "Breaker state lives in the serving process, so this command requires --url.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := remoteClient()
			if client == nil {
				return fmt.Errorf("--url required: breaker state lives in the serving process")
			}
			items, err := client.Breakers(cmd.Context())
			if err != nil {
				return err
			}
			return printBreakers(items)
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage concierge.yml",
		Long:  "Config sets turn deadlines, tool timeouts, breaker thresholds, the optional planner endpoint, the store path, the turn lock and logging.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default concierge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject, secret string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token",
		Long:  "Signs an HS256 token with the secret held in the environment variable named by server.jwt_secret_env, unless --secret is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if cfg.Server.JWTSecretEnv != "" {
					secret = os.Getenv(cfg.Server.JWTSecretEnv)
				}
			}
			token, err := server.SignToken(secret, subject, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject, "roles": roles})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator id")
	cmd.Flags().StringSliceVar(&roles, "role", []string{server.OperatorRole}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, conversationID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				events, err := client.Events(cmd.Context(), n, conversationID, evtType)
				if err != nil {
					return err
				}
				rows := make([]eventRow, 0, len(events))
				for _, ev := range events {
					rows = append(rows, eventRow{ev.ID, ev.TS, ev.Type, ev.ConversationID, ev.ActorID})
				}
				return printEvents(events, rows)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Events(ctx, n, conversationID, evtType)
				if err != nil {
					return err
				}
				rows := make([]eventRow, 0, len(events))
				for _, ev := range events {
					rows = append(rows, eventRow{ev.ID, ev.TS, ev.Type, ev.ConversationID, ev.ActorID})
				}
				return printEvents(events, rows)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id filter")
	return cmd
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the config file (or defaults) and applies flag and
// CONCIERGE_* overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if viper.IsSet("deadline") {
		cfg.Turn.Deadline = viper.GetDuration("deadline")
	}
	if viper.IsSet("policy-timeout") {
		cfg.Turn.PolicyTimeout = viper.GetDuration("policy-timeout")
	}
	if viper.IsSet("max-iterations") {
		cfg.Turn.MaxIterations = viper.GetInt("max-iterations")
	}
	if viper.IsSet("low-confidence") {
		cfg.Turn.LowConfidenceThreshold = viper.GetFloat64("low-confidence")
	}
	if viper.IsSet("lock-wait") {
		cfg.Turn.LockWait = viper.GetDuration("lock-wait")
	}
	if viper.IsSet("tool-timeout") {
		cfg.Tools.Timeout = viper.GetDuration("tool-timeout")
	}
	if viper.IsSet("breaker-threshold") {
		cfg.Breaker.FailureThreshold = viper.GetInt("breaker-threshold")
	}
	if viper.IsSet("breaker-cooldown") {
		cfg.Breaker.Cooldown = viper.GetDuration("breaker-cooldown")
	}
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return cfg.NewLogger(os.Stderr)
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, viper.GetString("workspace"), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine)
	})
}

// remoteClient returns an API client when --url is set.
func remoteClient() *conciergesdk.Client {
	base := strings.TrimSpace(viper.GetString("url"))
	if base == "" {
		return nil
	}
	c := conciergesdk.New(base)
	c.BearerToken = viper.GetString("token")
	return c
}
