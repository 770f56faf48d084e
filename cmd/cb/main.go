package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"campusbarter/internal/app"
	"campusbarter/internal/config"
	"campusbarter/internal/db"
	"campusbarter/internal/domain"
	"campusbarter/internal/engine"
	"campusbarter/internal/repo"
	"campusbarter/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cb",
	Short: "Campus Barter CLI",
	Long: `Campus Barter runs a bartering marketplace for a campus community.
Students list items, propose item-for-item trades, and haggle over a
per-trade message thread. Trades move pending -> accepted -> completed,
or stop at rejected; accepting reserves the items, completing swaps them.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CAMPUSBARTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64P("user", "u", 0, "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(tradeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userUpdateCmd())
	user.AddCommand(userListCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var name, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, name, email, password)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userUpdateCmd() *cobra.Command {
	var name, picture, bio string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the acting user's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var namePtr, picPtr, bioPtr *string
				if cmd.Flags().Changed("name") {
					namePtr = &name
				}
				if cmd.Flags().Changed("picture") {
					picPtr = &picture
				}
				if cmd.Flags().Changed("bio") {
					bioPtr = &bio
				}
				u, err := e.UpdateUser(ctx, userID, namePtr, picPtr, bioPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&picture, "picture", "", "profile picture URL")
	cmd.Flags().StringVar(&bio, "bio", "", "bio text")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Reputation", "Joined"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.ReputationScore, u.JoinDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemUpdateCmd())
	item.AddCommand(itemDeleteCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var title, description, category, condition string
	var images, tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "List an item for barter",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateItem(ctx, engine.ItemCreateOptions{
					UserID:      userID,
					Title:       title,
					Description: description,
					Category:    category,
					Condition:   condition,
					Images:      images,
					Tags:        tags,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&description, "description", "", "item description")
	cmd.Flags().StringVar(&category, "category", "", "item category")
	cmd.Flags().StringVar(&condition, "condition", "", "item condition")
	cmd.Flags().StringSliceVar(&images, "image", nil, "image URL (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func itemListCmd() *cobra.Command {
	var status, category string
	var ownerID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Browse items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListItems(ctx, repo.ItemFilter{UserID: ownerID, Status: status, Category: category})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Status", "Owner", "Listed"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Title, it.Category, it.Status, it.UserID, it.DateListed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (available, pending, traded)")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "owner user id")
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it, err := r.GetItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func itemUpdateCmd() *cobra.Command {
	var title, description, category, condition, status string
	var images, tags []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an own item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var upd repo.ItemUpdate
				if cmd.Flags().Changed("title") {
					upd.Title = &title
				}
				if cmd.Flags().Changed("description") {
					upd.Description = &description
				}
				if cmd.Flags().Changed("category") {
					upd.Category = &category
				}
				if cmd.Flags().Changed("condition") {
					upd.Condition = &condition
				}
				if cmd.Flags().Changed("status") {
					upd.Status = &status
				}
				if cmd.Flags().Changed("image") {
					upd.Images = images
				}
				if cmd.Flags().Changed("tag") {
					upd.Tags = tags
				}
				it, err := e.UpdateItem(ctx, userID, id, upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&description, "description", "", "item description")
	cmd.Flags().StringVar(&category, "category", "", "item category")
	cmd.Flags().StringVar(&condition, "condition", "", "item condition")
	cmd.Flags().StringVar(&status, "status", "", "status (available or pending)")
	cmd.Flags().StringSliceVar(&images, "image", nil, "image URL (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an own item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteItem(ctx, userID, id)
			})
		},
	}
	return cmd
}

func tradeCmd() *cobra.Command {
	trade := &cobra.Command{Use: "trade", Short: "Manage trades"}
	trade.AddCommand(tradeProposeCmd())
	trade.AddCommand(tradeListCmd())
	trade.AddCommand(tradeShowCmd())
	trade.AddCommand(tradeTransitionCmd("accept", domain.TradeAccepted, "Accept a pending trade (recipient only)"))
	trade.AddCommand(tradeTransitionCmd("reject", domain.TradeRejected, "Reject a pending trade (recipient only)"))
	trade.AddCommand(tradeTransitionCmd("complete", domain.TradeCompleted, "Complete an accepted trade"))
	trade.AddCommand(tradeMsgCmd())
	trade.AddCommand(tradeMessagesCmd())
	return trade
}

func tradeProposeCmd() *cobra.Command {
	var recipientID int64
	var offered, requested []int64
	var message string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a trade",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ProposeTrade(ctx, engine.TradeProposalOptions{
					InitiatorID:      userID,
					RecipientID:      recipientID,
					OfferedItemIDs:   offered,
					RequestedItemIDs: requested,
					Message:          message,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&recipientID, "to", 0, "recipient user id")
	cmd.Flags().Int64SliceVar(&offered, "offer", nil, "offered item id (repeatable)")
	cmd.Flags().Int64SliceVar(&requested, "request", nil, "requested item id (repeatable)")
	cmd.Flags().StringVar(&message, "message", "", "opening message")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func tradeListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the acting user's trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				trades, err := e.ListTradesForUser(ctx, userID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trades)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Initiator", "Recipient", "Status", "Items", "Created"})
				for _, t := range trades {
					tw.AppendRow(table.Row{t.ID, t.InitiatorID, t.RecipientID, t.Status, len(t.Items), t.CreationDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, accepted, rejected, completed)")
	return cmd
}

func tradeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a trade with its items and messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTradeFor(ctx, userID, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tradeTransitionCmd(use, status, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.TransitionTrade(ctx, userID, id, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tradeMsgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msg <id> <content>",
		Short: "Post a message to a trade thread",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actingUser()
			if err != nil {
				return err
			}
			content := strings.Join(args[1:], " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.PostMessage(ctx, userID, id, content)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func tradeMessagesCmd() *cobra.Command {
	var sinceID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <id>",
		Short: "Read a trade thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.ListMessages(ctx, userID, id, sinceID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Sender", "Timestamp", "Content"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.ID, m.SenderID, m.Timestamp, m.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&sinceID, "since", 0, "only messages after this id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var campusID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default campusbarter.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(campusID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&campusID, "campus", "local", "campus id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("local")
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var name, value string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("--value required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(value),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				stored, err := r.GetAPIKeyByHash(ctx, key.KeyHash)
				if err != nil {
					return err
				}
				stored.KeyHash = ""
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&value, "value", "", "raw key value (stored hashed)")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := actingUser()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					events []domain.Event
					err    error
				)
				if after > 0 {
					events, err = r.EventsAfter(ctx, after, n)
				} else {
					events, err = r.LatestEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CAMPUSBARTER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CAMPUSBARTER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Campus Barter API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, _, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func actingUser() (int64, error) {
	id := viper.GetInt64("user")
	if id == 0 {
		return 0, fmt.Errorf("--user required")
	}
	return id, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
