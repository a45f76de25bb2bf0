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

	"actionline/internal/app"
	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/migrate"
	"actionline/internal/repo"
	"actionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "actl",
	Short: "Actionline CLI",
	Long: `Actionline records workflow intent as an append-only event log.
Core concepts:
- Workspace: your .actionline directory holding only the database; configs live in the DB.
- Context: a display context (project, process, stage or subprocess) that owns actions and events.
- Actions: units of work declared into a context; never deleted, only retracted.
- Events: immutable facts (ACTION_DECLARED, WORK_STARTED, ...) replayed into views.
- Views: ephemeral projections folded from events; statuses go pending -> active -> blocked -> finished.
- Surfaces: dependency-ordered workflow tables rebuilt from the log, view with 'actl surface show'.
- References: links from actions to external records, static snapshots or live lookups with drift detection.
- Event log: the single source of truth, view with 'actl log tail'.`,
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
	viper.SetEnvPrefix("ACTIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("context", "", "context id")
	rootCmd.PersistentFlags().String("context-type", "project", "context type (project, process, stage, subprocess)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("context", rootCmd.PersistentFlags().Lookup("context"))
	_ = viper.BindPFlag("context-type", rootCmd.PersistentFlags().Lookup("context-type"))
}

func registerCommands() {
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(surfaceCmd())
	rootCmd.AddCommand(refCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(composeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func contextCmd() *cobra.Command {
	c := &cobra.Command{Use: "context", Short: "Inspect contexts"}
	c.AddCommand(contextListCmd())
	c.AddCommand(contextStatusCmd())
	return c
}

func contextListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContexts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func contextStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show context counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetContext(ctx, contextID, contextType); err != nil {
					return err
				}
				stats, err := r.GetContextStats(ctx, contextID, contextType)
				if err != nil {
					return err
				}
				out := map[string]any{
					"context_id":   contextID,
					"context_type": contextType,
					"actions":      stats.Actions,
					"events":       stats.Events,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Context: %s/%s\n", contextType, contextID)
				fmt.Printf("Actions: %d\n", stats.Actions)
				fmt.Printf("Events: %d\n", stats.Events)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect context config",
		Long:  "Config is stored per context in the DB: allowed context and surface types, required field bindings per action type, reference staleness and webhooks. Import from actionline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ResolveConfig(ctx, r, contextID, contextType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				data, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.UpsertContextConfig(ctx, contextID, contextType, cfg, now); err != nil {
					return err
				}
				fmt.Printf("config imported for %s/%s\n", contextType, contextID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "actionline.yml", "config file")
	return cmd
}

func configExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export effective config to a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ResolveConfig(ctx, r, contextID, contextType)
				if err != nil {
					return err
				}
				data, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				if err := os.WriteFile(file, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("config written to %s\n", file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "actionline.yml", "output file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err == nil {
				err = cfg.Validate()
			}
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
	cmd.Flags().StringVar(&file, "file", "actionline.yml", "config file")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Manage actions",
		Long:  "Actions are units of work declared into a context. They are never deleted; retract appends a compensating event and keeps history intact.",
	}
	a.AddCommand(actionDeclareCmd())
	a.AddCommand(actionRetractCmd())
	a.AddCommand(actionAmendCmd())
	a.AddCommand(actionListCmd())
	a.AddCommand(actionShowCmd())
	a.AddCommand(actionViewCmd())
	return a
}

func actionDeclareCmd() *cobra.Command {
	var id, actionType, parent string
	var bindings []string
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			fb, err := parseBindings(bindings)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, _, err := e.DeclareAction(ctx, engine.DeclareOptions{
					ID:             id,
					ContextID:      contextID,
					ContextType:    contextType,
					Type:           actionType,
					FieldBindings:  fb,
					ParentActionID: parent,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "action id (derived when empty)")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringArrayVar(&bindings, "binding", []string{}, "field binding key=value (repeatable)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent action id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func actionRetractCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retract <action-id>",
		Short: "Retract an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.RetractAction(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "retraction reason")
	return cmd
}

func actionAmendCmd() *cobra.Command {
	var reason string
	var bindings []string
	cmd := &cobra.Command{
		Use:   "amend <action-id>",
		Short: "Amend action bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fb, err := parseBindings(bindings)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, _, err := e.AmendAction(ctx, args[0], fb, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringArrayVar(&bindings, "binding", []string{}, "field binding key=value (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "amendment reason")
	return cmd
}

func actionListCmd() *cobra.Command {
	var actionType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actions, err := e.Repo.ListActions(ctx, repo.ActionFilters{
					ContextID:   viper.GetString("context"),
					ContextType: viper.GetString("context-type"),
					Type:        actionType,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Context", "Type", "Title", "Created"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ID, a.ContextType + "/" + a.ContextID, a.Type, bindingValue(a, "title"), a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actionType, "type", "", "action type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <action-id>",
		Short: "Interpret an action's events into a view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.InterpretAction(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Action: %s\n", view.ActionID)
				fmt.Printf("Title: %s\n", view.Data.Title)
				fmt.Printf("Status: %s\n", view.Data.Status)
				if view.Data.Assignee != nil {
					fmt.Printf("Assignee: %s\n", *view.Data.Assignee)
				}
				if view.Data.DueDate != nil {
					fmt.Printf("Due: %s\n", *view.Data.DueDate)
				}
				if view.Data.PercentComplete != nil {
					fmt.Printf("Progress: %d%%\n", *view.Data.PercentComplete)
				}
				if view.Retracted {
					fmt.Println("Retracted: yes")
				}
				fmt.Printf("Events: %d\n", view.EventCount)
				return nil
			})
		},
	}
	return cmd
}

func workCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "work",
		Short: "Record work progress",
		Long:  "Work commands append progress events; the status shown by views is folded from these, not stored.",
	}
	type verb struct {
		use   string
		short string
		run   func(e *engine.Engine, ctx context.Context, actionID, note string) (domain.Event, error)
	}
	verbs := []verb{
		{"start <action-id>", "Mark work started", func(e *engine.Engine, ctx context.Context, id, note string) (domain.Event, error) {
			return e.StartWork(ctx, id, note)
		}},
		{"stop <action-id>", "Mark work stopped", func(e *engine.Engine, ctx context.Context, id, note string) (domain.Event, error) {
			return e.StopWork(ctx, id, note)
		}},
		{"finish <action-id>", "Mark work finished", func(e *engine.Engine, ctx context.Context, id, note string) (domain.Event, error) {
			return e.FinishWork(ctx, id, note)
		}},
		{"block <action-id>", "Mark work blocked", func(e *engine.Engine, ctx context.Context, id, note string) (domain.Event, error) {
			return e.BlockWork(ctx, id, note)
		}},
		{"unblock <action-id>", "Mark work unblocked", func(e *engine.Engine, ctx context.Context, id, note string) (domain.Event, error) {
			return e.UnblockWork(ctx, id, note)
		}},
	}
	for _, v := range verbs {
		run := v.run
		var note string
		cmd := &cobra.Command{
			Use:   v.use,
			Short: v.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					evt, err := run(e, ctx, args[0], note)
					if err != nil {
						return err
					}
					return printJSONOrTable(evt)
				})
			},
		}
		cmd.Flags().StringVar(&note, "note", "", "free-form note")
		w.AddCommand(cmd)
	}
	w.AddCommand(workAssignCmd())
	w.AddCommand(workUnassignCmd())
	w.AddCommand(workFieldCmd())
	return w
}

func workAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <action-id>",
		Short: "Assign an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.Assign(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func workUnassignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unassign <action-id>",
		Short: "Unassign an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.Unassign(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	return cmd
}

func workFieldCmd() *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:   "field <action-id>",
		Short: "Record a field value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.RecordFieldValue(ctx, args[0], key, value)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "field key")
	cmd.Flags().StringVar(&value, "value", "", "field value")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func depCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dep",
		Short: "Manage dependency edges",
		Long:  "Dependencies say which actions must finish first. Edges that would close a cycle are rejected before anything is appended.",
	}
	d.AddCommand(depAddCmd())
	d.AddCommand(depRemoveCmd())
	return d
}

func depAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <action-id> <depends-on-action-id>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.AddDependency(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	return cmd
}

func depRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <action-id> <depends-on-action-id>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.RemoveDependency(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	return cmd
}

func surfaceCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "surface",
		Short: "Render workflow surfaces",
		Long:  "Surfaces are dependency-ordered tables rebuilt from the event log: each row is an action and its children are the actions it waits on.",
	}
	s.AddCommand(surfaceShowCmd())
	s.AddCommand(surfaceRefreshCmd())
	s.AddCommand(surfaceMoveCmd())
	return s
}

func surfaceShowCmd() *cobra.Command {
	var surfaceType string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Render a surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				nodes, err := e.Surface(ctx, contextID, contextType, surfaceType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "Action", "Title", "Status", "Waits On", "Events"})
				for _, n := range nodes {
					if n.ParentActionID != nil {
						continue
					}
					tw.AppendRow(table.Row{n.Position, n.ActionID, n.Payload.Title, n.Payload.Status, childTitles(nodes, n.ActionID), n.Flags.EventCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&surfaceType, "type", "workflow_table", "surface type")
	return cmd
}

func childTitles(nodes []domain.WorkflowSurfaceNode, parentID string) string {
	var titles []string
	for _, n := range nodes {
		if n.ParentActionID != nil && *n.ParentActionID == parentID {
			titles = append(titles, n.Payload.Title)
		}
	}
	return strings.Join(titles, ", ")
}

func surfaceRefreshCmd() *cobra.Command {
	var surfaceType string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Force a surface refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.RefreshSurface(ctx, contextID, contextType, surfaceType); err != nil {
					return err
				}
				fmt.Printf("surface %s refreshed for %s/%s\n", surfaceType, contextType, contextID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&surfaceType, "type", "workflow_table", "surface type")
	return cmd
}

func surfaceMoveCmd() *cobra.Command {
	var surfaceType, after string
	cmd := &cobra.Command{
		Use:   "move <action-id>",
		Short: "Move a surface row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var anchor *string
			if cmd.Flags().Changed("after") {
				anchor = &after
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.MoveRow(ctx, args[0], surfaceType, anchor)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&surfaceType, "type", "workflow_table", "surface type")
	cmd.Flags().StringVar(&after, "after", "", "anchor action id (omit to move first)")
	return cmd
}

func refCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "ref",
		Short: "Manage action references",
		Long:  "References link actions to external records, either as frozen snapshots (static) or live lookups (dynamic). Resolve compares snapshot and live value and reports drift.",
	}
	r.AddCommand(refListCmd())
	r.AddCommand(refAddCmd())
	r.AddCommand(refSetCmd())
	r.AddCommand(refRemoveCmd())
	r.AddCommand(refResolveCmd())
	return r
}

func refListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <action-id>",
		Short: "List references of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.ListReferences(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func refAddCmd() *cobra.Command {
	var record, field, mode, snapshot string
	cmd := &cobra.Command{
		Use:   "add <action-id>",
		Short: "Add a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AddReferenceOptions{
				ActionID:       args[0],
				SourceRecordID: record,
				TargetFieldKey: field,
				Mode:           mode,
			}
			if cmd.Flags().Changed("snapshot") {
				opts.SnapshotValue = &snapshot
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ref, _, err := e.AddReference(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ref)
			})
		},
	}
	cmd.Flags().StringVar(&record, "record", "", "source record id")
	cmd.Flags().StringVar(&field, "field", "", "target field key")
	cmd.Flags().StringVar(&mode, "mode", domain.RefModeStatic, "reference mode (static, dynamic)")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot value (captured live when omitted)")
	return cmd
}

func refSetCmd() *cobra.Command {
	var refsJSON string
	cmd := &cobra.Command{
		Use:   "set <action-id>",
		Short: "Reconcile references to a desired set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var desired []domain.ActionReference
			if err := json.Unmarshal([]byte(refsJSON), &desired); err != nil {
				return fmt.Errorf("parse --references-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.SetReferences(ctx, args[0], desired)
				if err != nil {
					return err
				}
				out := map[string]any{
					"added":      res.Added,
					"removed":    res.Removed,
					"references": res.References,
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&refsJSON, "references-json", "[]", "desired references as a JSON array")
	return cmd
}

func refRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <reference-id>",
		Short: "Remove a reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evt, err := e.RemoveReference(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	return cmd
}

func refResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <reference-id>",
		Short: "Resolve a reference with drift detection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ResolveReference(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Reference: %s (%s)\n", res.ReferenceID, res.Mode)
				fmt.Printf("Snapshot: %s\n", res.SnapshotValue)
				fmt.Printf("Live: %s\n", res.LiveValue)
				fmt.Printf("Drifted: %t\n", res.Drifted)
				fmt.Printf("Stale: %t\n", res.Stale)
				return nil
			})
		},
	}
	return cmd
}

func recordCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "record",
		Short: "Manage external record fields",
		Long:  "Records are the external rows dynamic references resolve against.",
	}
	r.AddCommand(recordSetCmd())
	return r
}

func recordSetCmd() *cobra.Command {
	var key, value string
	cmd := &cobra.Command{
		Use:   "set <record-id>",
		Short: "Set a record field value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertRecordField(ctx, args[0], key, value); err != nil {
					return err
				}
				fmt.Printf("record %s field %s set\n", args[0], key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "field key")
	cmd.Flags().StringVar(&value, "value", "", "field value")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func composeCmd() *cobra.Command {
	var id, actionType, parent string
	var bindings, values []string
	var refsJSON string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Declare an action with field values and references in one step",
		Long:  "Compose runs declare, field value recording and reference reconciliation as one sequence. Steps already appended stay in the log when a later step fails; the error names the failed step.",
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, contextType, err := requireContext()
			if err != nil {
				return err
			}
			fb, err := parseBindings(bindings)
			if err != nil {
				return err
			}
			fv, err := parseBindings(values)
			if err != nil {
				return err
			}
			var refsIn []domain.ActionReference
			if refsJSON != "" {
				if err := json.Unmarshal([]byte(refsJSON), &refsIn); err != nil {
					return fmt.Errorf("parse --references-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Compose(ctx, engine.ComposeOptions{
					Action: engine.DeclareOptions{
						ID:             id,
						ContextID:      contextID,
						ContextType:    contextType,
						Type:           actionType,
						FieldBindings:  fb,
						ParentActionID: parent,
					},
					FieldValues: fv,
					References:  refsIn,
				})
				if err != nil {
					if res.Partial {
						fmt.Fprintf(os.Stderr, "compose stopped at %s; %d events already appended\n", res.FailedStep, len(res.Events))
					}
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "action id (derived when empty)")
	cmd.Flags().StringVar(&actionType, "type", "", "action type")
	cmd.Flags().StringArrayVar(&bindings, "binding", []string{}, "field binding key=value (repeatable)")
	cmd.Flags().StringArrayVar(&values, "value", []string{}, "field value key=value (repeatable)")
	cmd.Flags().StringVar(&refsJSON, "references-json", "", "references as a JSON array")
	cmd.Flags().StringVar(&parent, "parent", "", "parent action id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
		Long:  "The event log is the single source of truth. Everything else is a fold over it.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var actionID string
	var afterSeq int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var evs []domain.Event
				var err error
				if actionID != "" {
					evs, err = e.Log.ForAction(ctx, actionID)
				} else {
					contextID, contextType, cerr := requireContext()
					if cerr != nil {
						return cerr
					}
					evs, err = e.Log.ForContext(ctx, contextID, contextType, afterSeq, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Action", "At"})
				for _, evt := range evs {
					tw.AppendRow(table.Row{evt.Seq, evt.Type, evt.ActionID, evt.OccurredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "filter by action id")
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "only events after this sequence")
	cmd.Flags().IntVar(&n, "n", 100, "max events")
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
			e := engine.New(conn, config.Default())
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving Actionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, config.Default())
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
	return fn(ctx, repo.Repo{DB: conn})
}

func requireContext() (string, string, error) {
	contextID := strings.TrimSpace(viper.GetString("context"))
	if contextID == "" {
		return "", "", fmt.Errorf("context not specified; use --context or set ACTIONLINE_CONTEXT")
	}
	contextType := strings.TrimSpace(viper.GetString("context-type"))
	return contextID, contextType, nil
}

func parseBindings(pairs []string) ([]domain.FieldBinding, error) {
	out := make([]domain.FieldBinding, 0, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid binding %q, expected key=value", p)
		}
		out = append(out, domain.FieldBinding{FieldKey: key, Value: value})
	}
	return out, nil
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

func bindingValue(a domain.Action, key string) string {
	for _, b := range a.FieldBindings {
		if b.FieldKey == key {
			return b.Value
		}
	}
	return ""
}
