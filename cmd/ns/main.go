package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"northstar/internal/app"
	"northstar/internal/audit"
	"northstar/internal/db"
	"northstar/internal/domain"
	"northstar/internal/lifecycle"
	"northstar/internal/repo"
	"northstar/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ns",
	Short: "Northstar CLI",
	Long: `Northstar manages service requests through their lifecycle and runs the
durable job queues that react to lifecycle events.

Concepts:
- Service request: a customer's ask, moving DRAFT -> SUBMITTED -> IN_REVIEW ->
  ACCEPTED -> IN_PROGRESS -> COMPLETED, with CANCELLED reachable from any
  non-terminal status.
- Audit trail: every create and status change is recorded with actor and
  before/after status.
- Queues: submission and completion enqueue notification jobs; a maintenance
  queue prunes old audit records. Jobs retry with backoff and park in a
  dead-letter state when attempts run out.`,
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
	viper.SetEnvPrefix("NORTHSTAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workCmd())
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage service requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestTransitionCmd("submit", "Submit a draft request", domain.StatusSubmitted))
	req.AddCommand(requestTransitionCmd("cancel", "Cancel a request", domain.StatusCancelled))
	req.AddCommand(requestSetStatusCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var title, description, metadataJSON string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a service request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var metadata map[string]any
				if metadataJSON != "" {
					if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
						return fmt.Errorf("invalid --metadata-json: %w", err)
					}
				}
				req, err := a.Engine.Create(ctx, lifecycle.CreateOptions{
					OwnerID:     viper.GetString("actor-id"),
					Title:       title,
					Description: description,
					Priority:    priority,
					Metadata:    metadata,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata JSON object")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var status, query, sort string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, role, err := resolveActor(ctx, a)
				if err != nil {
					return err
				}
				items, total, err := a.Engine.List(ctx, repo.RequestFilter{
					Status: domain.Status(status),
					Query:  query,
					Sort:   sort,
					Limit:  limit,
					Offset: offset,
				}, actor, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Owner", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Priority, r.OwnerID, r.UpdatedAt})
				}
				tw.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&query, "q", "", "title/description search")
	cmd.Flags().StringVar(&sort, "sort", "created_at:desc", "sort field:dir")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a service request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, role, err := resolveActor(ctx, a)
				if err != nil {
					return err
				}
				req, err := a.Engine.Get(ctx, args[0], actor, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestTransitionCmd(use, short string, target domain.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionRequest(cmd.Context(), args[0], target)
		},
	}
}

func requestSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Transition a request to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionRequest(cmd.Context(), args[0], domain.Status(status))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func transitionRequest(ctx context.Context, id string, target domain.Status) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		actor, role, err := resolveActor(ctx, a)
		if err != nil {
			return err
		}
		req, err := a.Engine.Transition(ctx, id, target, actor, role)
		if err != nil {
			return err
		}
		return printJSONOrTable(req)
	})
}

func respondCmd() *cobra.Command {
	var message string
	var quote float64
	var estimatedDays int
	cmd := &cobra.Command{
		Use:   "respond <request-id>",
		Short: "Record a provider response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, role, err := resolveActor(ctx, a)
				if err != nil {
					return err
				}
				var days *int
				if cmd.Flags().Changed("estimated-days") {
					days = &estimatedDays
				}
				resp, err := a.Engine.Respond(ctx, lifecycle.RespondOptions{
					RequestID:     args[0],
					ProviderID:    actor,
					Quote:         quote,
					Message:       message,
					EstimatedDays: days,
				}, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().Float64Var(&quote, "quote", 0, "quote amount")
	cmd.Flags().StringVar(&message, "message", "", "response message")
	cmd.Flags().IntVar(&estimatedDays, "estimated-days", 0, "estimated days")
	_ = cmd.MarkFlagRequired("quote")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func noteCmd() *cobra.Command {
	note := &cobra.Command{Use: "note", Short: "Request notes"}

	var body string
	add := &cobra.Command{
		Use:   "add <request-id>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, role, err := resolveActor(ctx, a)
				if err != nil {
					return err
				}
				n, err := a.Engine.AddNote(ctx, args[0], actor, body, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	add.Flags().StringVar(&body, "body", "", "note text")
	_ = add.MarkFlagRequired("body")

	list := &cobra.Command{
		Use:   "list <request-id>",
		Short: "List notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, role, err := resolveActor(ctx, a)
				if err != nil {
					return err
				}
				notes, err := a.Engine.Notes(ctx, args[0], actor, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(notes)
			})
		},
	}

	note.AddCommand(add, list)
	return note
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}

	var id, email, name, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r := domain.Role(strings.ToUpper(role))
				switch r {
				case domain.RoleCustomer, domain.RoleProvider, domain.RoleStaff, domain.RoleAdmin:
				default:
					return fmt.Errorf("invalid role %q", role)
				}
				if id == "" {
					id = uuid.New().String()
				}
				u := domain.User{
					ID:        id,
					Email:     email,
					Name:      name,
					Role:      r,
					Status:    "ACTIVE",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertUser(ctx, u); err != nil {
					return err
				}
				if err := a.Audit.Record(ctx, nil, viper.GetString("actor-id"), audit.ActionCreate, audit.ResourceUser, u.ID, nil); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id (random if omitted)")
	add.Flags().StringVar(&email, "email", "", "email")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&role, "role", "CUSTOMER", "role (CUSTOMER, PROVIDER, STAFF, ADMIN)")
	_ = add.MarkFlagRequired("email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Role", "Status"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Role, u.Status})
				}
				tw.Render()
				return nil
			})
		},
	}

	user.AddCommand(add, list)
	return user
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Repo.GetUser(ctx, userID); err != nil {
					return err
				}
				secret := uuid.New().String()
				k := domain.APIKey{
					ID:        uuid.New().String(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				// The secret is shown exactly once; only its hash is stored.
				return printJSONOrTable(map[string]any{"id": k.ID, "user_id": k.UserID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id")
	create.Flags().StringVar(&name, "name", "", "key name")
	_ = create.MarkFlagRequired("user")

	var listUserID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, listUserID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	list.Flags().StringVar(&listUserID, "user", "", "only keys for this user id")

	var keyID string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, keyID)
			})
		},
	}
	del.Flags().StringVar(&keyID, "id", "", "key id")
	_ = del.MarkFlagRequired("id")

	key.AddCommand(create, list, del)
	return key
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Audit trail"}

	var actorID, resource, action string
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, _, err := a.Audit.List(ctx, audit.Filter{
					ActorID:  actorID,
					Resource: resource,
					Action:   action,
					Limit:    n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of records")
	tail.Flags().StringVar(&actorID, "actor", "", "actor filter")
	tail.Flags().StringVar(&resource, "resource", "", "resource filter")
	tail.Flags().StringVar(&action, "action", "", "action filter")

	aud.AddCommand(tail)
	return aud
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect the job queues"}

	var queue, state string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, total, err := a.Repo.ListJobs(ctx, repo.JobFilter{
					Queue: queue,
					State: domain.JobState(state),
					Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Queue", "Key", "State", "Attempts", "Last Error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Queue, j.IdempotencyKey, j.State, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.LastError})
				}
				tw.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	list.Flags().StringVar(&queue, "queue", "", "queue filter")
	list.Flags().StringVar(&state, "state", "", "state filter (PENDING, ACTIVE, COMPLETED, DEAD_LETTER)")
	list.Flags().IntVar(&limit, "limit", 50, "page size")

	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, _, err := a.Queue.DeadLetters(ctx, queue, limit, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	deadLetters.Flags().StringVar(&queue, "queue", "", "queue filter")
	deadLetters.Flags().IntVar(&limit, "limit", 50, "page size")

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.Queue.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Job counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Queue.QueueStats(ctx, queue)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	stats.Flags().StringVar(&queue, "queue", "", "queue filter")

	jobs.AddCommand(list, deadLetters, retry, stats)
	return jobs
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect config"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Config.Validate()
			})
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

	cfg.AddCommand(show, validate)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret: os.Getenv("NORTHSTAR_JWT_SECRET"),
					Logger:    a.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("NORTHSTAR_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Queue:    a.Queue,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}

				workerCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				if !noWorkers {
					a.StartWorkers(workerCtx)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Northstar API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without queue workers")
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run queue workers without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.StartWorkers(ctx)
				fmt.Println("Workers running; ctrl-c to stop")
				<-ctx.Done()
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// resolveActor maps --actor-id onto a stored user. An unknown actor id runs
// as ADMIN so a fresh workspace is usable before any users exist.
func resolveActor(ctx context.Context, a *app.App) (string, domain.Role, error) {
	actorID := viper.GetString("actor-id")
	user, err := a.Repo.GetUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return actorID, domain.RoleAdmin, nil
		}
		return "", "", err
	}
	return user.ID, user.Role, nil
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
