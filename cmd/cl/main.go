package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/audit"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/engine/auth"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/rpc"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Crewline CLI",
	Long: `Crewline coordinates a crew of agents working a shared task graph.
Agents authenticate with passkeys, claim assigned tasks, hand work to each
other, and leave context notes; the engine enforces status transitions,
dependency ordering, per-agent capacity, and audit locks. Every change lands
in an append-only event log ('cl log tail').`,
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
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rpcCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var name, workingDir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create project and write default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				p, err := e.CreateProject(ctx, name, workingDir, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				workspace := viper.GetString("workspace")
				cfgPath := config.Path(workspace)
				if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
					if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(p.ID)), 0o644); err != nil {
						return err
					}
					fmt.Println("wrote", cfgPath)
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "project working directory")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive project (keeps tasks and history)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				p, err := e.ArchiveProject(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

// --- agent ---

func agentCmd() *cobra.Command {
	agt := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agt.AddCommand(agentCreateCmd())
	agt.AddCommand(agentListCmd())
	agt.AddCommand(agentShowCmd())
	agt.AddCommand(agentArchiveCmd())
	return agt
}

func agentCreateCmd() *cobra.Command {
	var name, role, agentType, roleType, hierarchyType, parent string
	var maxParallel int
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an agent and print its passkey",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			passkey, err := auth.GeneratePasskey()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				a, err := e.CreateAgent(ctx, engine.AgentCreateOptions{
					Name:             name,
					Role:             role,
					Type:             agentType,
					RoleType:         roleType,
					HierarchyType:    hierarchyType,
					ParentAgentID:    parent,
					MaxParallelTasks: maxParallel,
					Capabilities:     capabilities,
					PasskeyHash:      auth.HashPasskey(passkey),
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": a, "passkey": passkey})
				}
				fmt.Println("agent id:", a.ID)
				// Shown once; only the hash is stored.
				fmt.Println("passkey: ", passkey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&role, "role", "", "free-form role description")
	cmd.Flags().StringVar(&agentType, "type", "ai", "agent type (ai|human)")
	cmd.Flags().StringVar(&roleType, "role-type", "developer", "role type")
	cmd.Flags().StringVar(&hierarchyType, "hierarchy", "worker", "hierarchy type (owner|manager|worker)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent agent id")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "max parallel tasks (default from config)")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "agent capability (repeatable)")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Hierarchy", "Parent", "Slots", "Status"})
				for _, a := range items {
					parent := ""
					if a.ParentAgentID != nil {
						parent = *a.ParentAgentID
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.HierarchyType, parent, a.MaxParallelTasks, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <agent-id>",
		Short: "Archive agent (blocks future logins)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				return e.ArchiveAgent(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

// --- task ---

func taskCmd() *cobra.Command {
	tsk := &cobra.Command{Use: "task", Short: "Manage tasks"}
	tsk.AddCommand(taskCreateCmd())
	tsk.AddCommand(taskListCmd())
	tsk.AddCommand(taskShowCmd())
	tsk.AddCommand(taskStatusCmd())
	tsk.AddCommand(taskAssignCmd())
	tsk.AddCommand(taskApproveCmd())
	tsk.AddCommand(taskRejectCmd())
	tsk.AddCommand(taskPendingCmd())
	tsk.AddCommand(taskDeleteCmd())
	tsk.AddCommand(taskUndepCmd())
	tsk.AddCommand(taskContextCmd())
	return tsk
}

func taskCreateCmd() *cobra.Command {
	var title, description, priority, assignee, parent, dueAt string
	var dependsOn []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineProject(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine, projectID string) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					ProjectID:   projectID,
					Title:       title,
					Description: description,
					Priority:    priority,
					AssigneeID:  assignee,
					ParentID:    parent,
					DependsOn:   dependsOn,
					DueAt:       dueAt,
					RequesterID: viper.GetString("actor-id"),
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low|medium|high|urgent)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee agent id")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "dependency task id (repeatable)")
	cmd.Flags().StringVar(&dueAt, "due", "", "due timestamp (RFC3339)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngineProject(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine, projectID string) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					ProjectID:  projectID,
					Status:     status,
					AssigneeID: assignee,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Locked"})
				for _, t := range items {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					locked := ""
					if t.IsLocked {
						locked = "yes"
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assignee, locked})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Update task status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				t, err := e.UpdateTaskStatus(ctx, args[0], args[1], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the change")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <agent-id>",
		Short: "Assign task to agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				t, err := e.AssignTask(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				t, err := e.ApproveTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				t, err := e.RejectTask(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <agent-id>",
		Short: "Tasks the agent could start now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				items, err := e.GetPendingTasks(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func taskUndepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undep <task-id> <dep-task-id>...",
		Short: "Remove dependency edges from a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				t, err := e.RemoveTaskDependencies(ctx, args[0], args[1:], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskContextCmd() *cobra.Command {
	ctxCmd := &cobra.Command{Use: "context", Short: "Task context notes"}
	var content string
	add := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Append a context note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				entry, err := e.SaveContext(ctx, args[0], viper.GetString("actor-id"), content)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	add.Flags().StringVar(&content, "content", "", "note content")
	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task's context notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				entries, err := e.GetTaskContext(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	ctxCmd.AddCommand(add, show)
	return ctxCmd
}

// --- handoff ---

func handoffCmd() *cobra.Command {
	hnd := &cobra.Command{Use: "handoff", Short: "Manage handoffs"}
	var taskID, toAgent, summary string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				h, err := e.CreateHandoff(ctx, engine.HandoffCreateOptions{
					TaskID:      taskID,
					FromAgentID: viper.GetString("actor-id"),
					ToAgentID:   toAgent,
					Summary:     summary,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	create.Flags().StringVar(&taskID, "task", "", "task id")
	create.Flags().StringVar(&toAgent, "to", "", "addressee agent id (empty = broadcast)")
	create.Flags().StringVar(&summary, "summary", "", "handoff summary")
	accept := &cobra.Command{
		Use:   "accept <handoff-id>",
		Short: "Accept handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				h, err := e.AcceptHandoff(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	pending := &cobra.Command{
		Use:   "pending <agent-id>",
		Short: "Pending handoffs for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ audit.Engine) error {
				items, err := e.GetPendingHandoffs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	hnd.AddCommand(create, accept, pending)
	return hnd
}

// --- template ---

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage workflow templates"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import template from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, a audit.Engine) error {
				tmpl, err := a.ImportTemplateYAML(ctx, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tmpl)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "template YAML file")
	list := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	tpl.AddCommand(importCmd, list)
	return tpl
}

// --- audit ---

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Manage audits"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, a audit.Engine) error {
				created, err := a.CreateAudit(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "audit name")
	list := &cobra.Command{
		Use:   "list",
		Short: "List audits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAudits(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	var trigger, triggerConfig, templateID string
	var lock bool
	var position int
	ruleAdd := &cobra.Command{
		Use:   "rule-add <audit-id>",
		Short: "Attach rule to audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, a audit.Engine) error {
				rule, err := a.CreateRule(ctx, audit.RuleCreateOptions{
					AuditID:       args[0],
					Name:          name,
					TriggerType:   trigger,
					TriggerConfig: triggerConfig,
					TemplateID:    templateID,
					LockResource:  lock,
					Position:      position,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	ruleAdd.Flags().StringVar(&name, "name", "", "rule name")
	ruleAdd.Flags().StringVar(&trigger, "trigger", "", "trigger type")
	ruleAdd.Flags().StringVar(&triggerConfig, "trigger-config", "", "trigger filter JSON")
	ruleAdd.Flags().StringVar(&templateID, "template", "", "workflow template id")
	ruleAdd.Flags().BoolVar(&lock, "lock", false, "lock the triggering task")
	ruleAdd.Flags().IntVar(&position, "position", 0, "evaluation position")
	rules := &cobra.Command{
		Use:   "rules <audit-id>",
		Short: "List an audit's rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, a audit.Engine) error {
				items, err := a.Rules(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Template", "Lock", "Enabled", "Pos"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.TriggerType, r.TemplateID, r.LockResource, r.Enabled, r.Position})
				}
				tw.Render()
				return nil
			})
		},
	}
	ruleEnable := &cobra.Command{
		Use:   "rule-enable <rule-id>",
		Short: "Enable a rule",
		Args:  cobra.ExactArgs(1),
		RunE:  setRuleEnabledRunE(true),
	}
	ruleDisable := &cobra.Command{
		Use:   "rule-disable <rule-id>",
		Short: "Disable a rule without detaching it",
		Args:  cobra.ExactArgs(1),
		RunE:  setRuleEnabledRunE(false),
	}
	complete := &cobra.Command{
		Use:   "complete <audit-id>",
		Short: "Complete audit and release its locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, a audit.Engine) error {
				return a.CompleteAudit(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	aud.AddCommand(create, list, ruleAdd, rules, ruleEnable, ruleDisable, complete)
	return aud
}

func setRuleEnabledRunE(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, _ engine.Engine, a audit.Engine) error {
			rule, err := a.SetRuleEnabled(ctx, args[0], enabled, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(rule)
		})
	}
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event and execution logs"}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logShowCmd())
	return lg
}

func logShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				l, err := r.GetExecutionLog(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func logTailCmd() *cobra.Command {
	var limit int
	var entityType, entityID, eventType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, limit, entityType, entityID, eventType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Entity", "Event", "From", "To", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{
						evt.ID, evt.TS,
						evt.EntityType + "/" + evt.EntityID,
						evt.EventType,
						strVal(evt.PreviousState), strVal(evt.NewState),
						evt.ActorID,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	cmd.Flags().StringVar(&eventType, "event-type", "", "filter by event type")
	return cmd
}

// --- serve / rpc ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a audit.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:8080"
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				svc := auth.New(e.DB, e.Config)
				handler, err := server.New(server.Config{Engine: e, Audit: a, Auth: svc, BasePath: basePath})
				if err != nil {
					return err
				}
				dispatchCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				audit.NewDispatcher(a).Start(dispatchCtx)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Crewline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func rpcCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Start line JSON-RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, a audit.Engine) error {
				if addr == "" {
					addr = e.Config.RPC.Addr
				}
				if addr == "" {
					addr = "127.0.0.1:9090"
				}
				dispatchCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				audit.NewDispatcher(a).Start(dispatchCtx)

				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}
				fmt.Printf("Serving Crewline RPC on %s\n", addr)
				svc := auth.New(e.DB, e.Config)
				err = rpc.NewServer(e, svc).Serve(ctx, ln)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, audit.Engine) error) error {
	return withEngineProject(ctx, func(ctx context.Context, e engine.Engine, a audit.Engine, _ string) error {
		return fn(ctx, e, a)
	})
}

func withEngineProject(ctx context.Context, fn func(context.Context, engine.Engine, audit.Engine, string) error) error {
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
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e, audit.New(e), projectID)
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

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	// Detail views print indented JSON either way; tables are for lists.
	return printJSON(v)
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
