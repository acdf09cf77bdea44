package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agencydesk/internal/app"
	"agencydesk/internal/config"
	"agencydesk/internal/db"
	"agencydesk/internal/domain"
	"agencydesk/internal/migrate"
	"agencydesk/internal/notify"
	"agencydesk/internal/repo"
	"agencydesk/internal/scope"
	"agencydesk/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "agencydesk",
	Short: "Agencydesk CLI",
	Long: `Agencydesk is a multi-tenant project core for agencies.
- Agencies own departments, teams, users, clients, and projects.
- What a user sees is decided by their role's scope per resource
  (own, assigned, team, department, agency, all, client).
- Tasks form a dependency graph: a task cannot start or finish while a
  prerequisite is open, and a completed task cannot be reopened while
  work that depends on it is active.
- Every mutation writes a domain event; notifications fan out from the
  event to in-app records, email, and realtime channels.`,
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
	viper.SetEnvPrefix("AGENCYDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64P("user", "u", 0, "acting user id (local principal)")
	rootCmd.PersistentFlags().String("token", "", "bearer token carrying principal claims")
	rootCmd.PersistentFlags().String("claims", "", "path to a JSON principal claims file")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("claims", rootCmd.PersistentFlags().Lookup("claims"))
}

func registerCommands() {
	rootCmd.AddCommand(agencyCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(remindCmd())
}

// runtime is everything a command needs: store, engine, dispatcher, and
// the resolved principal of the caller.
type runtime struct {
	Cfg        *config.Config
	Repo       repo.Repo
	Engine     workflow.Engine
	Dispatcher notify.Dispatcher
	Principal  domain.Principal
	Log        *slog.Logger
}

func withRuntime(ctx context.Context, needPrincipal bool, fn func(context.Context, runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := repo.Repo{DB: conn}
	d, cleanup, err := app.NewDispatcher(cfg, r, log)
	if err != nil {
		return err
	}
	defer cleanup()

	rt := runtime{
		Cfg:        cfg,
		Repo:       r,
		Engine:     workflow.New(conn),
		Dispatcher: d,
		Log:        log,
	}
	if needPrincipal {
		pr, err := app.ResolvePrincipal(ctx, cfg, r,
			viper.GetString("token"), viper.GetString("claims"), viper.GetInt64("user"))
		if err != nil {
			return err
		}
		rt.Principal = pr
	}
	return fn(ctx, rt)
}

// dispatch fans out a committed event and logs the outcome. Delivery
// problems never fail the command.
func (rt runtime) dispatch(ctx context.Context, ev domain.Event) {
	if ev.ID == "" {
		return
	}
	res := rt.Dispatcher.Dispatch(ctx, ev)
	rt.Log.Info("notifications dispatched",
		"event", ev.Type, "recipients", res.Recipients,
		"delivered", res.Delivered, "failed", len(res.Failures))
}

func (rt runtime) visible(kind domain.ResourceKind, action domain.Action) (scope.Filter, error) {
	return scope.Visible(rt.Principal, kind, action)
}

// --- agency / org ---

func agencyCmd() *cobra.Command {
	c := &cobra.Command{Use: "agency", Short: "Manage agencies"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an agency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt runtime) error {
				id, err := rt.Repo.InsertAgency(ctx, name, nowStamp())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"agency_id": id, "agency_name": name})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "agency name")
	c.AddCommand(create)
	return c
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage departments and teams"}

	var depAgency int64
	var depName string
	var depManager int64
	depCreate := &cobra.Command{
		Use:   "department-create",
		Short: "Create a department",
		RunE: func(cmd *cobra.Command, args []string) error {
			if depAgency <= 0 || depName == "" {
				return fmt.Errorf("--agency and --name required")
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt runtime) error {
				d := domain.Department{AgencyID: depAgency, Name: depName, CreatedAt: nowStamp()}
				if depManager > 0 {
					d.ManagerID = &depManager
				}
				id, err := rt.Repo.InsertDepartment(ctx, d)
				if err != nil {
					return err
				}
				d.ID = id
				return printJSONOrTable(d)
			})
		},
	}
	depCreate.Flags().Int64Var(&depAgency, "agency", 0, "agency id")
	depCreate.Flags().StringVar(&depName, "name", "", "department name")
	depCreate.Flags().Int64Var(&depManager, "manager", 0, "manager user id")

	depList := &cobra.Command{
		Use:   "department-list",
		Short: "List visible departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindDepartments, domain.ActionView)
				if err != nil {
					return err
				}
				items, err := rt.Repo.ListDepartments(ctx, flt)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}

	var teamAgency, teamDep, teamLead int64
	var teamName string
	teamCreate := &cobra.Command{
		Use:   "team-create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamAgency <= 0 || teamDep <= 0 || teamName == "" {
				return fmt.Errorf("--agency, --department and --name required")
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt runtime) error {
				t := domain.Team{AgencyID: teamAgency, DepartmentID: teamDep, Name: teamName, CreatedAt: nowStamp()}
				if teamLead > 0 {
					t.LeadID = &teamLead
				}
				id, err := rt.Repo.InsertTeam(ctx, t)
				if err != nil {
					return err
				}
				t.ID = id
				return printJSONOrTable(t)
			})
		},
	}
	teamCreate.Flags().Int64Var(&teamAgency, "agency", 0, "agency id")
	teamCreate.Flags().Int64Var(&teamDep, "department", 0, "department id")
	teamCreate.Flags().StringVar(&teamName, "name", "", "team name")
	teamCreate.Flags().Int64Var(&teamLead, "lead", 0, "team lead user id")

	teamList := &cobra.Command{
		Use:   "team-list",
		Short: "List visible teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindTeams, domain.ActionView)
				if err != nil {
					return err
				}
				items, err := rt.Repo.ListTeams(ctx, flt)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}

	org.AddCommand(depCreate, depList, teamCreate, teamList)
	return org
}

// --- users ---

func userCmd() *cobra.Command {
	c := &cobra.Command{Use: "user", Short: "Manage users"}
	var agencyID, teamID int64
	var role, email, fullName string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agencyID <= 0 || role == "" || email == "" {
				return fmt.Errorf("--agency, --role and --email required")
			}
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt runtime) error {
				u := domain.User{
					AgencyID:  agencyID,
					RoleName:  role,
					Email:     email,
					FullName:  fullName,
					IsActive:  true,
					CreatedAt: nowStamp(),
				}
				if teamID > 0 {
					u.TeamID = &teamID
				}
				id, err := rt.Repo.InsertUser(ctx, u)
				if err != nil {
					return err
				}
				u.ID = id
				return printJSONOrTable(u)
			})
		},
	}
	create.Flags().Int64Var(&agencyID, "agency", 0, "agency id")
	create.Flags().Int64Var(&teamID, "team", 0, "team id")
	create.Flags().StringVar(&role, "role", "", "role name (Admin, Project Manager, Team Member, ...)")
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().StringVar(&fullName, "name", "", "full name")
	c.AddCommand(create)
	return c
}

// --- clients ---

func clientCmd() *cobra.Command {
	c := &cobra.Command{Use: "client", Short: "Manage clients"}

	var agencyID, manager, portalUser int64
	var company string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agencyID <= 0 || company == "" {
				return fmt.Errorf("--agency and --company required")
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				cl := domain.Client{
					AgencyID:    agencyID,
					CompanyName: company,
					CreatedBy:   rt.Principal.UserID,
					IsActive:    true,
					CreatedAt:   nowStamp(),
				}
				if manager > 0 {
					cl.AccountManagerID = &manager
				}
				if portalUser > 0 {
					cl.PortalUserID = &portalUser
				}
				id, err := rt.Repo.InsertClient(ctx, cl)
				if err != nil {
					return err
				}
				cl.ID = id
				return printJSONOrTable(cl)
			})
		},
	}
	create.Flags().Int64Var(&agencyID, "agency", 0, "agency id")
	create.Flags().StringVar(&company, "company", "", "company name")
	create.Flags().Int64Var(&manager, "manager", 0, "account manager user id")
	create.Flags().Int64Var(&portalUser, "portal-user", 0, "client portal user id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List visible clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindClients, domain.ActionView)
				if err != nil {
					return err
				}
				items, err := rt.Repo.ListClients(ctx, flt)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindClients, domain.ActionView)
				if err != nil {
					return err
				}
				cl, err := rt.Repo.GetClientScoped(ctx, id, flt)
				if err != nil {
					return err
				}
				return printJSONOrTable(cl)
			})
		},
	}

	c.AddCommand(create, list, show)
	return c
}

// --- projects ---

func projectCmd() *cobra.Command {
	c := &cobra.Command{Use: "project", Short: "Manage projects"}

	var agencyID, clientID, manager int64
	var name string
	var clientVisible bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agencyID <= 0 || clientID <= 0 || name == "" || manager <= 0 {
				return fmt.Errorf("--agency, --client, --name and --manager required")
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				p := domain.Project{
					AgencyID:         agencyID,
					ClientID:         clientID,
					Name:             name,
					ProjectManagerID: manager,
					CreatedBy:        rt.Principal.UserID,
					Status:           "active",
					ClientVisible:    clientVisible,
					IsActive:         true,
					CreatedAt:        nowStamp(),
				}
				id, err := rt.Repo.InsertProject(ctx, p)
				if err != nil {
					return err
				}
				p.ID = id
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().Int64Var(&agencyID, "agency", 0, "agency id")
	create.Flags().Int64Var(&clientID, "client", 0, "client id")
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().Int64Var(&manager, "manager", 0, "project manager user id")
	create.Flags().BoolVar(&clientVisible, "client-visible", false, "visible to the client portal")

	list := &cobra.Command{
		Use:   "list",
		Short: "List visible projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindProjects, domain.ActionView)
				if err != nil {
					return err
				}
				items, err := rt.Repo.ListProjects(ctx, flt)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Client", "Manager"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.ClientID, p.ProjectManagerID})
				}
				tw.Render()
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindProjects, domain.ActionView)
				if err != nil {
					return err
				}
				p, err := rt.Repo.GetProjectScoped(ctx, id, flt)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}

	var newStatus string
	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Change a project's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindProjects, domain.ActionEdit)
				if err != nil {
					return err
				}
				if _, err := rt.Repo.GetProjectScoped(ctx, id, flt); err != nil {
					return err
				}
				ev, err := rt.Engine.UpdateProjectStatus(ctx, id, newStatus, rt.Principal.UserID)
				if err != nil {
					return err
				}
				rt.dispatch(ctx, ev)
				p, err := rt.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	status.Flags().StringVar(&newStatus, "to", "", "new status")
	_ = status.MarkFlagRequired("to")

	var memberID int64
	addMember := &cobra.Command{
		Use:   "add-member <id>",
		Short: "Add a user to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				ev, err := rt.Engine.AddProjectMember(ctx, id, memberID, rt.Principal.UserID)
				if err != nil {
					return err
				}
				rt.dispatch(ctx, ev)
				fmt.Printf("added user %d to project %d\n", memberID, id)
				return nil
			})
		},
	}
	addMember.Flags().Int64Var(&memberID, "member", 0, "user id to add")
	_ = addMember.MarkFlagRequired("member")

	c.AddCommand(create, list, show, status, addMember)
	return c
}

// --- tasks ---

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var opts workflow.TaskCreateOptions
	var dependsOn []int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindProjects, domain.ActionEdit)
				if err != nil {
					return err
				}
				if _, err := rt.Repo.GetProjectScoped(ctx, opts.ProjectID, flt); err != nil {
					return err
				}
				opts.ActorID = rt.Principal.UserID
				opts.DependsOn = dependsOn
				t, ev, err := rt.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				rt.dispatch(ctx, ev)
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().Int64Var(&opts.ProjectID, "project", 0, "project id")
	create.Flags().Int64Var(&opts.ParentTaskID, "parent", 0, "parent task id")
	create.Flags().StringVar(&opts.Title, "title", "", "task title")
	create.Flags().StringVar(&opts.Description, "description", "", "description")
	create.Flags().Int64SliceVar(&dependsOn, "depends-on", nil, "prerequisite task ids")
	create.Flags().BoolVar(&opts.ClientVisible, "client-visible", false, "visible in the client portal")
	create.Flags().BoolVar(&opts.RequiresClientApproval, "requires-approval", false, "requires client approval")
	create.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("title")

	var listFilters repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List visible tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindTasks, domain.ActionView)
				if err != nil {
					return err
				}
				tasks, err := rt.Repo.ListTasks(ctx, flt, listFilters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Title", "Status", "Due", "Assignees"})
				for _, t := range tasks {
					due := ""
					if t.DueDate != nil {
						due = *t.DueDate
					}
					tw.AppendRow(table.Row{t.ID, t.TaskNumber, t.Title, t.Status, due, joinIDs(t.AssignedTo)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&listFilters.ProjectID, "project", 0, "filter by project id")
	list.Flags().StringVar(&listFilters.Status, "status", "", "filter by status")
	list.Flags().Int64Var(&listFilters.ParentID, "parent", 0, "filter by parent task id")
	list.Flags().IntVar(&listFilters.Limit, "limit", 0, "limit results")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task with its dependency edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindTasks, domain.ActionView)
				if err != nil {
					return err
				}
				t, err := rt.Repo.GetTaskScoped(ctx, id, flt)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}

	var toStatus string
	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Transition a task through the workflow gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindTasks, domain.ActionEdit)
				if err != nil {
					return err
				}
				if _, err := rt.Repo.GetTaskScoped(ctx, id, flt); err != nil {
					return err
				}
				t, ev, err := rt.Engine.ChangeStatus(ctx, id, toStatus, rt.Principal.UserID)
				if err != nil {
					return err
				}
				rt.dispatch(ctx, ev)
				return printJSONOrTable(t)
			})
		},
	}
	status.Flags().StringVar(&toStatus, "to", "", "target status (todo, in_progress, completed, ...)")
	_ = status.MarkFlagRequired("to")

	var assignees []int64
	assign := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign users to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				added, ev, err := rt.Engine.AssignUsers(ctx, id, assignees, rt.Principal.UserID)
				if err != nil {
					return err
				}
				rt.dispatch(ctx, ev)
				return printJSONOrTable(map[string]any{"task_id": id, "newly_assigned": added})
			})
		},
	}
	assign.Flags().Int64SliceVar(&assignees, "users", nil, "user ids to assign")
	_ = assign.MarkFlagRequired("users")

	var unassignUser int64
	unassign := &cobra.Command{
		Use:   "unassign <id>",
		Short: "Remove a task assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				if err := rt.Engine.RemoveAssignment(ctx, id, unassignUser, rt.Principal.UserID, rt.Principal.RoleName); err != nil {
					return err
				}
				fmt.Printf("removed user %d from task %d\n", unassignUser, id)
				return nil
			})
		},
	}
	unassign.Flags().Int64Var(&unassignUser, "user-id", 0, "assignee to remove")
	_ = unassign.MarkFlagRequired("user-id")

	var commentText string
	var mentions []int64
	var parentComment int64
	comment := &cobra.Command{
		Use:   "comment <id>",
		Short: "Comment on a task (or reply with --parent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				flt, err := rt.visible(domain.KindTasks, domain.ActionView)
				if err != nil {
					return err
				}
				if _, err := rt.Repo.GetTaskScoped(ctx, id, flt); err != nil {
					return err
				}
				cm, ev, err := rt.Engine.AddComment(ctx, workflow.CommentOptions{
					TaskID:          id,
					ParentCommentID: parentComment,
					Text:            commentText,
					MentionedUsers:  mentions,
					ActorID:         rt.Principal.UserID,
				})
				if err != nil {
					return err
				}
				rt.dispatch(ctx, ev)
				return printJSONOrTable(cm)
			})
		},
	}
	comment.Flags().StringVar(&commentText, "text", "", "comment text")
	comment.Flags().Int64SliceVar(&mentions, "mention", nil, "mentioned user ids")
	comment.Flags().Int64Var(&parentComment, "parent", 0, "parent comment id for replies")
	_ = comment.MarkFlagRequired("text")

	c.AddCommand(create, list, show, status, assign, unassign, comment)
	return c
}

// --- notifications ---

func notificationsCmd() *cobra.Command {
	c := &cobra.Command{Use: "notifications", Short: "Inbox commands"}

	var unreadOnly bool
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List my notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				items, err := rt.Repo.ListNotifications(ctx, rt.Principal.UserID, repo.NotificationFilters{
					UnreadOnly: unreadOnly, Limit: limit, Offset: offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Message", "Read", "At"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Type, n.Title, n.Message, n.IsRead, n.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&unreadOnly, "unread", false, "unread only")
	list.Flags().IntVar(&limit, "limit", 0, "limit")
	list.Flags().IntVar(&offset, "offset", 0, "offset")

	read := &cobra.Command{
		Use:   "read <id>",
		Short: "Mark one notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				return rt.Repo.MarkNotificationRead(ctx, id, rt.Principal.UserID, nowStamp())
			})
		},
	}

	readAll := &cobra.Command{
		Use:   "read-all",
		Short: "Mark all notifications read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				n, err := rt.Repo.MarkAllNotificationsRead(ctx, rt.Principal.UserID, nowStamp())
				if err != nil {
					return err
				}
				fmt.Printf("marked %d notifications read\n", n)
				return nil
			})
		},
	}

	count := &cobra.Command{
		Use:   "count",
		Short: "Count unread notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				n, err := rt.Repo.CountUnread(ctx, rt.Principal.UserID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"unread": n})
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt runtime) error {
				return rt.Repo.DeleteNotification(ctx, id, rt.Principal.UserID)
			})
		},
	}

	c.AddCommand(list, read, readAll, count, del)
	return c
}

// --- reminders ---

func remindCmd() *cobra.Command {
	c := &cobra.Command{Use: "remind", Short: "Due-date reminder sweep"}
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Send due/overdue reminders (run daily via cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt runtime) error {
				s := notify.Sweeper{
					Dispatcher:   rt.Dispatcher,
					ReminderDays: rt.Cfg.Notifications.ReminderDays,
					Log:          rt.Log,
				}
				res, err := s.Run(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"tasks_checked": res.TasksChecked,
					"reminders":     res.Reminders,
					"overdue":       res.Overdue,
					"failures":      len(res.Failures),
				})
			})
		},
	}
	c.AddCommand(sweep)
	return c
}

// --- helpers ---

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
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
