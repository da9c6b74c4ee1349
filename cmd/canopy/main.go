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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"canopy/internal/app"
	"canopy/internal/config"
	"canopy/internal/db"
	"canopy/internal/engine"
	"canopy/internal/migrate"
	"canopy/internal/repo"
	"canopy/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Canopy CLI",
	Long: `Canopy manages tree-care interventions from plan to approved completion.
Core concepts:
- Workspace: your .canopy directory holding the database; configs live in the DB and are imported explicitly.
- Installation: a managed site (park, campus, street section) that owns plans, work orders, and tasks.
- Plans: intervention proposals (pruning, felling, treatment) with a schedule; same-day collisions are flagged, never blocked.
- Work orders: the executable unit generated from an approved plan, each carrying one active field task.
- Tasks: field execution with progress logging and photographic evidence; completion is gated on required evidence stages.
- Approval: a manager-class actor signs off (or rejects) a submitted task; approval closes the work order and, when last, the plan.
- Reopen: terminal work orders can be reopened with a reason, appending a fresh task while history stays intact.
- Alerts: field-reported problems (safety, environmental, technical) with their own resolution trail.
- Event log: diary of changes, view with 'canopy log tail'.`,
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
	viper.SetEnvPrefix("CANOPY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("installation", "", "installation id (overrides single-installation default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("installation", rootCmd.PersistentFlags().Lookup("installation"))
}

func registerCommands() {
	rootCmd.AddCommand(installationCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(serveCmd())
}

func installationCmd() *cobra.Command {
	in := &cobra.Command{Use: "installation", Short: "Manage installations"}
	in.AddCommand(installationListCmd())
	in.AddCommand(installationCreateCmd())
	in.AddCommand(installationShowCmd())
	return in
}

func installationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInstallations(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func installationCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg := config.Default(id)
				if name != "" {
					cfg.Installation.Name = name
				}
				if err := app.CreateInstallation(ctx, r, id, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				in, err := r.GetInstallation(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "installation id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func installationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show an installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Repo.GetInstallation(ctx, e.Config.Installation.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Installation configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import YAML config into the installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				installationID := cfg.Installation.ID
				if override := viper.GetString("installation"); override != "" {
					installationID = override
					cfg.Installation.ID = override
				}
				if _, err := r.GetInstallation(ctx, installationID); err != nil {
					if !errors.Is(err, repo.ErrNotFound) {
						return err
					}
					return app.CreateInstallation(ctx, r, installationID, cfg, viper.GetString("actor-id"))
				}
				if err := r.UpsertInstallationConfig(ctx, installationID, cfg); err != nil {
					return err
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := app.SeedRBAC(ctx, r, tx, cfg); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show installation status",
		Long:  "The scoreboard for your installation: task counts per status and open alerts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				installationID := e.Config.Installation.ID
				in, err := e.Repo.GetInstallation(ctx, installationID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, installationID)
				if err != nil {
					return err
				}
				alerts, err := e.Repo.ListAlerts(ctx, repo.AlertFilters{InstallationID: installationID, Unresolved: true})
				if err != nil {
					return err
				}
				out := map[string]any{
					"installation_id": in.ID,
					"status":          in.Status,
					"task_counts":     counts,
					"open_alerts":     len(alerts),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Installation: %s (%s)\n", in.ID, in.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Open alerts: %d\n", len(alerts))
				return nil
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Manage intervention plans",
		Long:  "Plans are intervention proposals with a schedule. They flow DRAFT -> APPROVED -> IN_PROGRESS -> COMPLETED; same-day collisions on the same tree or crew are reported as advisory conflicts.",
	}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planUpdateCmd())
	plan.AddCommand(planApproveCmd())
	plan.AddCommand(planDeleteCmd())
	plan.AddCommand(planCheckConflictCmd())
	return plan
}

func planCreateCmd() *cobra.Command {
	var opts engine.PlanCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.InstallationID == "" {
					opts.InstallationID = e.Config.Installation.ID
				}
				p, conflict, err := e.CreatePlan(ctx, opts)
				if err != nil {
					return err
				}
				if conflict != nil {
					fmt.Printf("conflict: %s\n", conflict.Message)
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.InstallationID, "installation-id", "", "installation id")
	cmd.Flags().StringVar(&opts.TreeID, "tree", "", "tree id")
	cmd.Flags().StringVar(&opts.InterventionType, "type", "", "intervention type (pruning, felling, treatment, ...)")
	cmd.Flags().StringVar(&opts.ScheduleStart, "start", "", "schedule start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ScheduleEnd, "end", "", "schedule end date")
	cmd.Flags().IntVar(&opts.MobilizationDays, "mobilization-days", 0, "mobilization days")
	cmd.Flags().IntVar(&opts.ExecutionDays, "execution-days", 1, "execution days")
	cmd.Flags().IntVar(&opts.DemobilizationDays, "demobilization-days", 0, "demobilization days")
	cmd.Flags().StringVar(&opts.Responsible, "responsible", "", "responsible crew or person")
	cmd.Flags().StringVar(&opts.ResponsibleTitle, "responsible-title", "", "responsible title")
	cmd.Flags().StringVar(&opts.Justification, "justification", "", "why this intervention is needed")
	cmd.Flags().StringArrayVar(&opts.Techniques, "technique", []string{}, "technique (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Tools, "tool", []string{}, "tool (repeatable)")
	cmd.Flags().StringArrayVar(&opts.PPE, "ppe", []string{}, "personal protective equipment (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func planListCmd() *cobra.Command {
	var f repo.PlanFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.InstallationID == "" {
					f.InstallationID = e.Config.Installation.ID
				}
				items, err := e.Repo.ListPlans(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Type", "Status", "Start", "Tree", "Responsible"})
				for _, p := range items {
					tree := ""
					if p.TreeID != nil {
						tree = *p.TreeID
					}
					tw.AppendRow(table.Row{p.Code, p.InterventionType, p.Status, p.ScheduleStart, tree, p.Responsible})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Responsible, "responsible", "", "responsible filter")
	cmd.Flags().StringVar(&f.DateFrom, "from", "", "schedule start from (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.DateTo, "to", "", "schedule start to")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func planShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPlan(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plan id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func planUpdateCmd() *cobra.Command {
	var id, tree, itype, start, end, responsible, title, justification string
	var mob, exec, demob int
	var techniques, tools, ppe []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PlanUpdateOptions{ID: id, ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("tree") {
				opts.TreeID = &tree
			}
			if cmd.Flags().Changed("type") {
				opts.InterventionType = &itype
			}
			if cmd.Flags().Changed("start") {
				opts.ScheduleStart = &start
			}
			if cmd.Flags().Changed("end") {
				opts.ScheduleEnd = &end
			}
			if cmd.Flags().Changed("mobilization-days") {
				opts.MobilizationDays = &mob
			}
			if cmd.Flags().Changed("execution-days") {
				opts.ExecutionDays = &exec
			}
			if cmd.Flags().Changed("demobilization-days") {
				opts.DemobilizationDays = &demob
			}
			if cmd.Flags().Changed("responsible") {
				opts.Responsible = &responsible
			}
			if cmd.Flags().Changed("responsible-title") {
				opts.ResponsibleTitle = &title
			}
			if cmd.Flags().Changed("justification") {
				opts.Justification = &justification
			}
			if cmd.Flags().Changed("technique") {
				opts.Techniques = techniques
			}
			if cmd.Flags().Changed("tool") {
				opts.Tools = tools
			}
			if cmd.Flags().Changed("ppe") {
				opts.PPE = ppe
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, conflict, err := e.UpdatePlan(ctx, opts)
				if err != nil {
					return err
				}
				if conflict != nil {
					fmt.Printf("conflict: %s\n", conflict.Message)
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plan id")
	cmd.Flags().StringVar(&tree, "tree", "", "tree id")
	cmd.Flags().StringVar(&itype, "type", "", "intervention type")
	cmd.Flags().StringVar(&start, "start", "", "schedule start date")
	cmd.Flags().StringVar(&end, "end", "", "schedule end date")
	cmd.Flags().IntVar(&mob, "mobilization-days", 0, "mobilization days")
	cmd.Flags().IntVar(&exec, "execution-days", 0, "execution days")
	cmd.Flags().IntVar(&demob, "demobilization-days", 0, "demobilization days")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible crew or person")
	cmd.Flags().StringVar(&title, "responsible-title", "", "responsible title")
	cmd.Flags().StringVar(&justification, "justification", "", "justification")
	cmd.Flags().StringArrayVar(&techniques, "technique", []string{}, "technique (repeatable)")
	cmd.Flags().StringArrayVar(&tools, "tool", []string{}, "tool (repeatable)")
	cmd.Flags().StringArrayVar(&ppe, "ppe", []string{}, "ppe item (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func planApproveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a draft plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ApprovePlan(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plan id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func planDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a plan without work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePlan(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plan id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func planCheckConflictCmd() *cobra.Command {
	var date, tree, responsible, exclude string
	cmd := &cobra.Command{
		Use:   "check-conflict",
		Short: "Check schedule collision for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				conflict, err := e.CheckPlanConflict(ctx, e.Config.Installation.ID, engine.ConflictCandidate{
					Date:          date,
					TreeID:        tree,
					Responsible:   responsible,
					ExcludePlanID: exclude,
				})
				if err != nil {
					return err
				}
				if conflict == nil {
					fmt.Println("no conflict")
					return nil
				}
				return printJSONOrTable(conflict)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&tree, "tree", "", "tree id")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible crew or person")
	cmd.Flags().StringVar(&exclude, "exclude-plan", "", "plan id to exclude (when rescheduling)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func workOrderCmd() *cobra.Command {
	wo := &cobra.Command{
		Use:   "workorder",
		Short: "Manage work orders",
		Long:  "Work orders are generated from approved plans and carry the field task. Terminal work orders can be reopened with a reason; history is never rewritten.",
	}
	wo.AddCommand(workOrderCreateCmd())
	wo.AddCommand(workOrderListCmd())
	wo.AddCommand(workOrderShowCmd())
	wo.AddCommand(workOrderReopenCmd())
	wo.AddCommand(workOrderCancelCmd())
	wo.AddCommand(workOrderDeleteCmd())
	return wo
}

func workOrderCreateCmd() *cobra.Command {
	var opts engine.WorkOrderCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a work order from an approved plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateWorkOrderFromPlan(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (defaults to intervention type + plan code)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee actor id (empty leaves the task in the pool)")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "LOW, MEDIUM, HIGH or CRITICAL")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func workOrderListCmd() *cobra.Command {
	var f repo.WorkOrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.InstallationID == "" {
					f.InstallationID = e.Config.Installation.ID
				}
				items, err := e.Repo.ListWorkOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Due"})
				for _, wo := range items {
					assignee, due := "", ""
					if wo.AssigneeID != nil {
						assignee = *wo.AssigneeID
					}
					if wo.DueDate != nil {
						due = *wo.DueDate
					}
					tw.AppendRow(table.Row{wo.ID, wo.Title, wo.Status, assignee, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PlanID, "plan", "", "plan filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func workOrderShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wo, err := e.Repo.GetWorkOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work order id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workOrderReopenCmd() *cobra.Command {
	var id, reason, newStart, newDue string
	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Reopen a completed or cancelled work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReopenWorkOrder(ctx, id, reason, newStart, newDue, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work order id")
	cmd.Flags().StringVar(&reason, "reason", "", "reopen reason")
	cmd.Flags().StringVar(&newStart, "new-start", "", "new plan schedule start")
	cmd.Flags().StringVar(&newDue, "new-due", "", "new work order due date")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func workOrderCancelCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a work order and its open tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wo, err := e.CancelWorkOrder(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(wo)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work order id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workOrderDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a never-started work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWorkOrder(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work order id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage field tasks",
		Long:  "Tasks flow NOT_STARTED -> IN_PROGRESS -> PENDING_APPROVAL -> COMPLETED; BLOCKED pauses execution and CANCELLED exits. Completion requires the configured evidence stages.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskBlockCmd())
	task.AddCommand(taskResumeCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.InstallationID == "" {
					f.InstallationID = e.Config.Installation.ID
				}
				items, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Priority", "Assignee", "Progress"})
				for _, t := range items {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Status, t.Priority, assignee, fmt.Sprintf("%d%%", t.ProgressPercent)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkOrderID, "workorder", "", "work order filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&f.IncludePool, "pool", false, "include unassigned pool tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a task with its evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				evidence, err := e.Repo.ListTaskEvidence(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"task":           t,
					"evidence":       evidence,
					"evidence_stage": engine.EvidenceStageOf(evidence),
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskStartCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start (and claim) a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.StartTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var id, notes string
	var percent int
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Log task progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.LogProgress(ctx, id, viper.GetString("actor-id"), percent, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().IntVar(&percent, "percent", 0, "progress percent (0-100)")
	cmd.Flags().StringVar(&notes, "notes", "", "progress notes")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("percent")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var id, notes string
	var percent int
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Submit a task for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			var percentArg *int
			if cmd.Flags().Changed("percent") {
				percentArg = &percent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, id, viper.GetString("actor-id"), percentArg, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().IntVar(&percent, "percent", 100, "final percent")
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskBlockCmd() *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Block a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.BlockTask(ctx, id, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().StringVar(&reason, "reason", "", "blocking reason")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskResumeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a blocked task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ResumeTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a submitted task (manager only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ApproveTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a submitted task back to execution (manager only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectTask(ctx, id, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, id, viper.GetString("actor-id"), "")
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Task evidence ledger",
		Long:  "Evidence records are append-only photos with capture metadata. Stages before and after (by default) gate task completion.",
	}
	ev.AddCommand(evidenceAddCmd())
	ev.AddCommand(evidenceListCmd())
	return ev
}

func evidenceAddCmd() *cobra.Command {
	var taskID, stage, photoRef, metadata, notes string
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append evidence to a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.EvidenceOptions{
				TaskID:       taskID,
				Stage:        stage,
				PhotoRef:     photoRef,
				MetadataJSON: metadata,
				Notes:        notes,
				ActorID:      viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("lat") {
				opts.Lat = &lat
			}
			if cmd.Flags().Changed("lng") {
				opts.Lng = &lng
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.AddEvidence(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&stage, "stage", "", "before, during_1, during_2, after or completion")
	cmd.Flags().StringVar(&photoRef, "photo", "", "photo reference (path or URL)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "capture metadata as JSON")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().Float64Var(&lat, "lat", 0, "capture latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "capture longitude")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("photo")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a task's evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTaskEvidence(ctx, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Display", "Photo", "Captured By", "At"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.Stage, engine.DisplayStage(rec.Stage), rec.PhotoRef, rec.CapturedBy, rec.CapturedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func alertCmd() *cobra.Command {
	al := &cobra.Command{
		Use:   "alert",
		Short: "Field alerts",
	}
	al.AddCommand(alertCreateCmd())
	al.AddCommand(alertListCmd())
	al.AddCommand(alertResolveCmd())
	return al
}

func alertCreateCmd() *cobra.Command {
	var taskID, alertType, message string
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Raise an alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AlertOptions{
				TaskID:  taskID,
				Type:    alertType,
				Message: message,
				ActorID: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("lat") {
				opts.Lat = &lat
			}
			if cmd.Flags().Changed("lng") {
				opts.Lng = &lng
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.InstallationID == "" {
					opts.InstallationID = e.Config.Installation.ID
				}
				a, err := e.CreateAlert(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id (optional)")
	cmd.Flags().StringVar(&alertType, "type", "OTHER", "ENVIRONMENTAL, TECHNICAL, OPERATIONAL, SAFETY_ISSUE or OTHER")
	cmd.Flags().StringVar(&message, "message", "", "what happened")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func alertListCmd() *cobra.Command {
	var f repo.AlertFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.InstallationID == "" {
					f.InstallationID = e.Config.Installation.ID
				}
				items, err := e.Repo.ListAlerts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Message", "Resolved", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Type, a.Message, a.Resolved, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().BoolVar(&f.Unresolved, "unresolved", false, "only unresolved alerts")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func alertResolveCmd() *cobra.Command {
	var id, notes string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an alert (manager only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ResolveAlert(ctx, id, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "alert id")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: plan changes, work order generation, task transitions, evidence, approvals.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Installation.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Installation.ID, actorID)
				if err != nil {
					return err
				}
				perms := map[string]bool{}
				for _, role := range roles {
					rp, err := e.Repo.RolePermissions(ctx, role)
					if err != nil {
						return err
					}
					for _, p := range rp {
						perms[p] = true
					}
				}
				flat := make([]string, 0, len(perms))
				for p := range perms {
					flat = append(flat, p)
				}
				return printJSONOrTable(map[string]any{
					"actor_id":    actorID,
					"roles":       roles,
					"permissions": flat,
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, target, now); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, e.Config.Installation.ID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeRole(ctx, tx, e.Config.Installation.ID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveInstallationAndConfig(cmd.Context(), workspace, viper.GetString("installation"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CANOPY_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CANOPY_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Canopy API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveInstallationAndConfig(ctx, workspace, viper.GetString("installation"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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
