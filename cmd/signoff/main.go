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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/repo"
	"signoff/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Signoff CLI",
	Long: `Signoff routes business records through multi-step approval flows.
Core concepts:
- Workspace: your .signoff directory holding the database; config lives in signoff.yml next to it.
- Flow: an ordered list of approval steps for one entity type, picked by priority and trigger conditions.
- Request: one entity's trip through a flow; statuses go pending -> approved/rejected/returned/cancelled/expired.
- Decision: one approver's verdict on the current step (approve, reject, return, delegate, abstain).
- Delegation: a time-boxed hand-off of approval authority, followed transitively up to a configured depth.
- Queue: everything waiting on a given approver right now, view with 'signoff queue list'.
- Audit log: append-only record of every transition, view with 'signoff audit tail'.`,
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
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(delegationCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

// --- request ---

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Submit and act on approval requests"}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestDecideCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestResubmitCmd())
	req.AddCommand(requestEscalateCmd())
	req.AddCommand(requestHistoryCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var entityType, entityID, contextJSON, priority, dueBy, note string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an entity for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entityType == "" || entityID == "" {
				return fmt.Errorf("--entity-type and --entity-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Submit(ctx, engine.SubmitOptions{
					EntityType:  entityType,
					EntityID:    entityID,
					ContextJSON: contextJSON,
					RequestedBy: viper.GetString("actor-id"),
					Priority:    priority,
					DueBy:       dueBy,
					Note:        note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type (invoice, expense, ...)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity identifier")
	cmd.Flags().StringVar(&contextJSON, "context", "", "context snapshot as a JSON object")
	cmd.Flags().StringVar(&priority, "priority", "", "low|normal|high|urgent")
	cmd.Flags().StringVar(&dueBy, "due-by", "", "due timestamp (RFC3339)")
	cmd.Flags().StringVar(&note, "note", "", "submission note")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its decisions and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetRequestDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	return cmd
}

func requestDecideCmd() *cobra.Command {
	var decision, comment, conditions, delegateTo string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record a decision on a request's current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if decision == "" {
				return fmt.Errorf("--decision required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Decide(ctx, engine.DecideOptions{
					RequestID:      args[0],
					DecidedBy:      viper.GetString("actor-id"),
					Decision:       decision,
					Comment:        comment,
					ConditionsJSON: conditions,
					DelegateTo:     delegateTo,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved|rejected|returned|delegated|abstained")
	cmd.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.Flags().StringVar(&conditions, "conditions", "", "approval conditions as a JSON object")
	cmd.Flags().StringVar(&delegateTo, "delegate-to", "", "stand-in user for decision=delegated")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Cancel(ctx, args[0], viper.GetString("actor-id"), admin)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "cancel as administrator")
	return cmd
}

func requestResubmitCmd() *cobra.Command {
	var contextJSON, note string
	cmd := &cobra.Command{
		Use:   "resubmit <id>",
		Short: "Resubmit a returned or rejected request with fresh context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Resubmit(ctx, args[0], viper.GetString("actor-id"), contextJSON, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context", "", "replacement context snapshot as a JSON object")
	cmd.Flags().StringVar(&note, "note", "", "resubmission note")
	return cmd
}

func requestEscalateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "escalate <id>",
		Short: "Escalate a request's current step to its fallback approvers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Escalate(ctx, args[0], viper.GetString("actor-id"), domain.ActorUser, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual escalation", "escalation reason")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	var entityType, entityID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List every request ever opened for an entity, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if entityType == "" || entityID == "" {
				return fmt.Errorf("--entity-type and --entity-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetEntityHistory(ctx, entityType, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity identifier")
	return cmd
}

// --- queue ---

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect an approver's work queue"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueCountCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests waiting on an approver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := user
				if target == "" {
					target = viper.GetString("actor-id")
				}
				items, err := e.QueueForUser(ctx, target)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Request", "Entity", "Flow", "Step", "Priority", "Waiting (h)"})
				for _, it := range items {
					entity := it.Request.EntityType + "/" + it.Request.EntityID
					tw.AppendRow(table.Row{
						it.Request.ID, entity, it.FlowName, it.StepOrder,
						it.Request.Priority, fmt.Sprintf("%.1f", it.WaitingHours),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "approver id (defaults to --actor-id)")
	return cmd
}

func queueCountCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count requests waiting on an approver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := user
				if target == "" {
					target = viper.GetString("actor-id")
				}
				n, err := e.QueueCount(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"count": n})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "approver id (defaults to --actor-id)")
	return cmd
}

// --- flow ---

func flowCmd() *cobra.Command {
	f := &cobra.Command{Use: "flow", Short: "Manage approval flows"}
	f.AddCommand(flowCreateCmd())
	f.AddCommand(flowListCmd())
	f.AddCommand(flowShowCmd())
	f.AddCommand(flowUpdateCmd())
	return f
}

// flowFile mirrors FlowSpec for `flow create --file`.
type flowFile struct {
	Name                 string  `yaml:"name" json:"name"`
	Slug                 string  `yaml:"slug" json:"slug"`
	EntityType           string  `yaml:"entity_type" json:"entity_type"`
	TriggerConditions    *string `yaml:"trigger_conditions" json:"trigger_conditions"`
	Priority             int     `yaml:"priority" json:"priority"`
	AutoApproveBelow     *string `yaml:"auto_approve_below" json:"auto_approve_below"`
	AutoRejectAfterHours *int    `yaml:"auto_reject_after_hours" json:"auto_reject_after_hours"`
	Steps                []struct {
		ApproverType       string  `yaml:"approver_type" json:"approver_type"`
		ApproverUserID     *string `yaml:"approver_user_id" json:"approver_user_id"`
		ApproverRoleName   *string `yaml:"approver_role_name" json:"approver_role_name"`
		RequiresAll        bool    `yaml:"requires_all" json:"requires_all"`
		MinApprovals       int     `yaml:"min_approvals" json:"min_approvals"`
		SkipConditions     *string `yaml:"skip_conditions" json:"skip_conditions"`
		TimeoutHours       *int    `yaml:"timeout_hours" json:"timeout_hours"`
		ReminderAfterHours *int    `yaml:"reminder_after_hours" json:"reminder_after_hours"`
	} `yaml:"steps" json:"steps"`
}

func (f flowFile) toSpec() engine.FlowSpec {
	spec := engine.FlowSpec{
		Name:                 f.Name,
		Slug:                 f.Slug,
		EntityType:           f.EntityType,
		TriggerConditions:    f.TriggerConditions,
		Priority:             f.Priority,
		AutoApproveBelow:     f.AutoApproveBelow,
		AutoRejectAfterHours: f.AutoRejectAfterHours,
	}
	for _, s := range f.Steps {
		spec.Steps = append(spec.Steps, engine.StepSpec{
			ApproverType:       s.ApproverType,
			ApproverUserID:     s.ApproverUserID,
			ApproverRoleName:   s.ApproverRoleName,
			RequiresAll:        s.RequiresAll,
			MinApprovals:       s.MinApprovals,
			SkipConditions:     s.SkipConditions,
			TimeoutHours:       s.TimeoutHours,
			ReminderAfterHours: s.ReminderAfterHours,
		})
	}
	return spec
}

func flowCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a flow from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var ff flowFile
			if err := yaml.Unmarshal(data, &ff); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CreateFlow(ctx, ff.toSpec(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "flow definition file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func flowListCmd() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				flows, err := r.ListFlows(ctx, entityType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Entity", "Priority", "Active"})
				for _, f := range flows {
					tw.AppendRow(table.Row{f.ID, f.Slug, f.EntityType, f.Priority, f.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	return cmd
}

func flowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a flow with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f, err := r.GetFlow(ctx, args[0])
				if err != nil {
					return err
				}
				if f.Steps, err = r.ListSteps(ctx, f.ID); err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func flowUpdateCmd() *cobra.Command {
	var name, trigger, autoApprove string
	var priority, autoReject int
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a flow definition (does not touch in-flight requests)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd engine.FlowUpdate
			if cmd.Flags().Changed("name") {
				upd.Name = &name
			}
			if cmd.Flags().Changed("trigger-conditions") {
				upd.TriggerConditions = &trigger
			}
			if cmd.Flags().Changed("priority") {
				upd.Priority = &priority
			}
			if cmd.Flags().Changed("auto-approve-below") {
				upd.AutoApproveBelow = &autoApprove
			}
			if cmd.Flags().Changed("auto-reject-after-hours") {
				upd.AutoRejectAfterHours = &autoReject
			}
			if cmd.Flags().Changed("active") {
				upd.IsActive = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpdateFlow(ctx, args[0], upd, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "flow name")
	cmd.Flags().StringVar(&trigger, "trigger-conditions", "", "trigger conditions JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "selection priority")
	cmd.Flags().StringVar(&autoApprove, "auto-approve-below", "", "auto-approve conditions JSON")
	cmd.Flags().IntVar(&autoReject, "auto-reject-after-hours", 0, "expiry window in hours")
	cmd.Flags().BoolVar(&active, "active", true, "whether the flow is selectable")
	return cmd
}

// --- delegation ---

func delegationCmd() *cobra.Command {
	d := &cobra.Command{Use: "delegation", Short: "Manage out-of-office delegations"}
	d.AddCommand(delegationCreateCmd())
	d.AddCommand(delegationListCmd())
	d.AddCommand(delegationRevokeCmd())
	return d
}

func delegationCreateCmd() *cobra.Command {
	var from, to, starts, ends, reason, entityType, flowID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a time-boxed delegation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" || starts == "" || ends == "" {
				return fmt.Errorf("--to, --starts and --ends required")
			}
			delegator := from
			if delegator == "" {
				delegator = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.CreateDelegation(ctx, engine.DelegationSpec{
					DelegatorID: delegator,
					DelegateID:  to,
					StartsAt:    starts,
					EndsAt:      ends,
					Reason:      reason,
					EntityType:  optionalString(entityType),
					FlowID:      optionalString(flowID),
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "delegator id (defaults to --actor-id)")
	cmd.Flags().StringVar(&to, "to", "", "delegate id")
	cmd.Flags().StringVar(&starts, "starts", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&ends, "ends", "", "window end (RFC3339, exclusive)")
	cmd.Flags().StringVar(&reason, "reason", "", "delegation reason")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "limit to one entity type")
	cmd.Flags().StringVar(&flowID, "flow-id", "", "limit to one flow")
	return cmd
}

func delegationListCmd() *cobra.Command {
	var delegator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delegations granted by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := delegator
			if target == "" {
				target = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDelegations(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&delegator, "delegator", "", "delegator id (defaults to --actor-id)")
	return cmd
}

func delegationRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeDelegation(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

// --- user directory ---

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	u.AddCommand(userUpsertCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userShowCmd())
	u.AddCommand(userAssignRoleCmd())
	u.AddCommand(userRevokeRoleCmd())
	u.AddCommand(userGroupCmd())
	u.AddCommand(userDepartmentCmd())
	return u
}

func userUpsertCmd() *cobra.Command {
	var id, displayName, department, manager string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a directory user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u := domain.User{
					ID:          id,
					DisplayName: displayName,
					IsActive:    !inactive,
					Department:  optionalString(department),
					ManagerID:   optionalString(manager),
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.UpsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&department, "department", "", "department")
	cmd.Flags().StringVar(&manager, "manager", "", "manager user id")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "mark the user inactive")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directory users",
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
				tw.AppendHeader(table.Row{"ID", "Name", "Department", "Manager", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{
						u.ID, u.DisplayName, stringOr(u.Department), stringOr(u.ManagerID), u.IsActive,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a directory user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userAssignRoleCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "assign-role",
		Short: "Assign a role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.AssignRole(ctx, user, role)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	return cmd
}

func userRevokeRoleCmd() *cobra.Command {
	var user, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke a role from a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeRole(ctx, user, role)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	return cmd
}

func userGroupCmd() *cobra.Command {
	g := &cobra.Command{Use: "group", Short: "Manage group membership"}
	var group, user string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user to a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" || user == "" {
				return fmt.Errorf("--group and --user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.AddGroupMember(ctx, group, user)
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a user from a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" || user == "" {
				return fmt.Errorf("--group and --user required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveGroupMember(ctx, group, user)
			})
		},
	}
	g.PersistentFlags().StringVar(&group, "group", "", "group name")
	g.PersistentFlags().StringVar(&user, "user", "", "user id")
	g.AddCommand(add)
	g.AddCommand(remove)
	return g
}

func userDepartmentCmd() *cobra.Command {
	d := &cobra.Command{Use: "department", Short: "Manage department managers"}
	var department, manager string
	set := &cobra.Command{
		Use:   "set-manager",
		Short: "Register a department manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			if department == "" || manager == "" {
				return fmt.Errorf("--department and --manager required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetDepartmentManager(ctx, department, manager)
			})
		},
	}
	unset := &cobra.Command{
		Use:   "unset-manager",
		Short: "Remove a department manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			if department == "" || manager == "" {
				return fmt.Errorf("--department and --manager required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveDepartmentManager(ctx, department, manager)
			})
		},
	}
	d.PersistentFlags().StringVar(&department, "department", "", "department name")
	d.PersistentFlags().StringVar(&manager, "manager", "", "manager user id")
	d.AddCommand(set)
	d.AddCommand(unset)
	return d
}

// --- audit ---

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	var action, actor string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cursor := after
				if !cmd.Flags().Changed("after") {
					// Ids are monotonic, so backing off the latest id by n
					// approximates a tail without a reverse scan.
					latest, err := r.LatestAuditID(ctx)
					if err != nil {
						return err
					}
					cursor = latest - int64(n)
					if cursor < 0 {
						cursor = 0
					}
				}
				entries, err := r.ListAudit(ctx, repo.AuditFilter{
					Action:  action,
					ActorID: actor,
					AfterID: cursor,
					Limit:   n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "action filter (request.approved, ...)")
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	cmd.Flags().Int64Var(&after, "after", 0, "start after this entry id")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP server"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := actor
			if target == "" {
				target = viper.GetString("actor-id")
			}
			raw := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   target,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"actor":   key.ActorID,
					"api_key": raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "user the key acts as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
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

// --- sweep / serve / config ---

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of the timeout sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := engine.NewSweeper(e).SweepOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and background sweeper",
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("SIGNOFF_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacy,
				Logger:                e.Log,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("SIGNOFF_JWT_SECRET is required for bearer auth (or pass --allow-legacy-user-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			go engine.NewSweeper(e).Run(cmd.Context())

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Signoff API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-user-header", false, "accept unauthenticated X-User-Id (local development only)")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default signoff.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
