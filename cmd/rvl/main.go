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

	"reviewline/internal/app"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/server"
	"reviewline/internal/template"
)

var rootCmd = &cobra.Command{
	Use:   "rvl",
	Short: "Reviewline CLI",
	Long: `Reviewline tracks quality-review projects through ordered phases.
Each phase carries a checklist answered independently by an executor and a
reviewer; disagreements accumulate as defects, and a reviewer can revert the
phase, archiving the answer document as an immutable iteration.`,
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
	viper.SetEnvPrefix("RVL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(answerCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(iterationCmd())
	rootCmd.AddCommand(analysisCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectStartCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, status, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Status", "Priority", "Created"})
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Priority, p.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (optional, uuid if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.ProjectNo, "project-no", "", "external project number")
	cmd.Flags().StringVar(&opts.InternalOrderNo, "order-no", "", "internal order number")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "medium", "priority (low, medium, high)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.Project(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, description, priority string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts := engine.ProjectUpdateOptions{ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				p, err := e.UpdateProject(ctx, projectID, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high)")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and all its phase data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				return e.DeleteProject(ctx, projectID, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func projectStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a project: create its phases from the template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				phases, err := e.StartProject(ctx, projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printPhases(phases)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage the checklist template"}
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateImportCmd())
	return tpl
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Template(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func templateImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := template.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetTemplate(ctx, t, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML template")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "List project phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				phases, err := e.ListPhases(ctx, projectID)
				if err != nil {
					return err
				}
				return printPhases(phases)
			})
		},
	}
	return cmd
}

func checklistCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "checklist",
		Short: "Show (and lazily materialize) a phase checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cl, err := e.EnsureChecklist(ctx, projectID, phase)
				if err != nil {
					return err
				}
				return printJSONOrIndent(cl)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	return cmd
}

func answerCmd() *cobra.Command {
	ans := &cobra.Command{Use: "answer", Short: "Read and write checklist answers"}
	ans.AddCommand(answerSetCmd())
	ans.AddCommand(answerListCmd())
	return ans
}

func answerSetCmd() *cobra.Command {
	var phase int
	var role, questionID, question, answer, remark, status, severity, category string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Save one answer for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				u := engine.AnswerUpdate{QuestionID: questionID, Question: question}
				if cmd.Flags().Changed("answer") {
					u.Answer = &answer
				}
				if cmd.Flags().Changed("remark") {
					u.Remark = &remark
				}
				if cmd.Flags().Changed("status") {
					u.Status = &status
				}
				if cmd.Flags().Changed("severity") {
					u.Severity = &severity
				}
				if cmd.Flags().Changed("category") {
					u.CategoryID = &category
				}
				res, err := e.SaveAnswers(ctx, engine.SaveAnswersOptions{
					ProjectID: projectID,
					Phase:     phase,
					Role:      role,
					ActorID:   viper.GetString("actor-id"),
					Answers:   []engine.AnswerUpdate{u},
				})
				if err != nil {
					return err
				}
				if len(res.Missing) > 0 {
					return fmt.Errorf("no matching question: %s", strings.Join(res.Missing, ", "))
				}
				return printJSONOrIndent(map[string]any{"updated": res.Updated})
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	cmd.Flags().StringVar(&role, "role", "", "executor or reviewer")
	cmd.Flags().StringVar(&questionID, "question-id", "", "question id")
	cmd.Flags().StringVar(&question, "question", "", "question text (fallback when id unknown)")
	cmd.Flags().StringVar(&answer, "answer", "", "answer value (Yes, No, NA; empty clears)")
	cmd.Flags().StringVar(&remark, "remark", "", "remark")
	cmd.Flags().StringVar(&status, "status", "", "reviewer status (Approved, Rejected)")
	cmd.Flags().StringVar(&severity, "severity", "", "defect severity")
	cmd.Flags().StringVar(&category, "category", "", "defect category id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func answerListCmd() *cobra.Command {
	var phase int
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List one role's answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.ChecklistAnswers(ctx, projectID, phase, role)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	cmd.Flags().StringVar(&role, "role", "", "executor or reviewer")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func submitCmd() *cobra.Command {
	var phase int
	var role string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit the checklist for a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.Submit(ctx, projectID, phase, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Submitted phase %d as %s.\n", phase, role)
				if res.Accumulated {
					fmt.Printf("Defect check ran: %d new defects recorded.\n", res.DefectsAdded)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	cmd.Flags().StringVar(&role, "role", "", "executor or reviewer")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func approvalCmd() *cobra.Command {
	apr := &cobra.Command{Use: "approval", Short: "Phase approval workflow"}
	apr.AddCommand(approvalRequestCmd())
	apr.AddCommand(approvalApproveCmd())
	apr.AddCommand(approvalRevertCmd())
	apr.AddCommand(approvalStatusCmd())
	apr.AddCommand(approvalCompareCmd())
	return apr
}

func approvalRequestCmd() *cobra.Command {
	var phase int
	var notes string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request approval for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				a, err := e.RequestApproval(ctx, projectID, phase, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	cmd.Flags().StringVar(&notes, "notes", "", "request notes")
	return cmd
}

func approvalApproveCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a phase and activate the next one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				a, err := e.Approve(ctx, projectID, phase, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	return cmd
}

func approvalRevertCmd() *cobra.Command {
	var phase int
	var notes string
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Revert a phase to the executor, archiving the current cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.RevertToExecutor(ctx, projectID, phase, viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Reverted phase %d: iteration %d archived, now on iteration %d (conflicts: %d).\n",
					phase, res.IterationNumber, res.CurrentIteration, res.ConflictCount)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	cmd.Flags().StringVar(&notes, "notes", "", "revert notes")
	return cmd
}

func approvalStatusCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Approval and submission status for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				a, err := e.ApprovalStatus(ctx, projectID, phase)
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	return cmd
}

func approvalCompareCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare executor and reviewer answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.CompareAnswers(ctx, projectID, phase)
				if err != nil {
					return err
				}
				return printJSONOrIndent(res)
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	return cmd
}

func iterationCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "iteration",
		Short: "List archived review cycles for a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				h, err := e.ListIterations(ctx, projectID, phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Iteration", "Reverted At", "Reverted By", "Notes"})
				for _, it := range h.Iterations {
					t.AppendRow(table.Row{it.Number, it.RevertedAt, it.RevertedBy, it.RevertNotes})
				}
				t.Render()
				fmt.Printf("Current iteration: %d\n", h.CurrentIteration)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&phase, "phase", 1, "phase number")
	return cmd
}

func analysisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analysis",
		Short: "Defect statistics for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.ProjectAnalysis(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Phase", "Name", "Status", "Questions", "Defects", "Rate", "Conflicts", "Reverts"})
				for _, ph := range res.Phases {
					t.AppendRow(table.Row{ph.Phase, ph.Name, ph.Status, ph.Questions, ph.DefectCount,
						fmt.Sprintf("%.2f", ph.DefectRate), ph.ConflictCount, ph.RevertCount})
				}
				t.Render()
				fmt.Printf("Total: %d defects over %d questions in %d phases (%d completed)\n",
					res.TotalDefects, res.TotalQuestions, res.TotalPhases, res.CompletedPhases)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, viper.GetString("project"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			if _, err := app.EnsureTemplate(cmd.Context(), r, viper.GetString("actor-id")); err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("RVL_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("RVL_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	if _, err := app.EnsureTemplate(ctx, r, viper.GetString("actor-id")); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, viper.GetString("project"), e.Repo)
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func printPhases(phases []domain.Phase) error {
	if viper.GetBool("json") {
		return printJSON(phases)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Name", "Status", "Conflicts"})
	for _, ph := range phases {
		t.AppendRow(table.Row{ph.Number, ph.Name, ph.Status, ph.ConflictCount})
	}
	t.Render()
	return nil
}

func printJSONOrIndent(v any) error {
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
