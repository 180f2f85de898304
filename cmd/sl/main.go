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
	"gopkg.in/yaml.v3"

	"storyline/internal/app"
	"storyline/internal/backlog"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storyline CLI",
	Long: `Storyline coordinates a team of worker agents over a shared backlog.
- Workspace: the .storyline directory holding the SQLite store.
- Stories: units of delivery; todo -> in_progress -> qa -> done, failed is the trapdoor.
- Tasks: role-assigned work items under a story with a dependency graph;
  todo -> in_progress -> coding_complete -> done, with qa_failed looping back.
- Claiming: 'sl task claim' hands the next ready task to a role, exactly once,
  even with concurrent workers.
- Trail: every status change and recorded artifact lands in an append-only log;
  view it with 'sl log tail'.`,
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
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "system", "acting agent role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(roomCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func storyCmd() *cobra.Command {
	story := &cobra.Command{
		Use:   "story",
		Short: "Manage stories",
		Long:  "Stories are the units of delivery. Their status is mostly derived from their tasks; manual transitions exist for the edges the derivation cannot see.",
	}
	story.AddCommand(storyListCmd())
	story.AddCommand(storyShowCmd())
	story.AddCommand(storyCreateCmd())
	story.AddCommand(storyStatusCmd())
	story.AddCommand(storyTransitionCmd())
	story.AddCommand(storyFailCmd())
	return story
}

func storyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListStories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Epic", "Status", "Version"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Epic, s.Status, s.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func storyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a story with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStory(ctx, id)
				if err != nil {
					return err
				}
				tasks, err := e.Repo.TasksForStory(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"story": s, "tasks": tasks})
				}
				fmt.Printf("%s: %s [%s] v%d\n", s.ID, s.Title, s.Status, s.Version)
				if s.RoomDocPath != nil {
					fmt.Printf("room doc: %s\n", *s.RoomDocPath)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Role", "Size", "Status", "Deps", "Version"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Kind, t.Role, t.Size, t.Status, strings.Join(t.Dependencies, ","), t.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func storyCreateCmd() *cobra.Command {
	var id, title, epic string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStory(ctx, id, title, epic)
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "story id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&epic, "epic", "", "epic")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func storyStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show story status with task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStory(ctx, id)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"story": s, "task_counts": counts})
				}
				fmt.Printf("Story: %s (%s)\n", s.ID, s.Status)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func storyTransitionCmd() *cobra.Command {
	var status string
	var version int64
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition story status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("version") {
					s, err := e.Repo.GetStory(ctx, id)
					if err != nil {
						return err
					}
					version = s.Version
				}
				s, err := e.TransitionStory(ctx, id, version, status, viper.GetString("role"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (defaults to current)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func storyFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a story failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStory(ctx, id)
				if err != nil {
					return err
				}
				s, err = e.TransitionStory(ctx, id, s.Version, domain.StoryFailed, viper.GetString("role"))
				if err != nil {
					return err
				}
				if reason != "" {
					if _, err := e.Recorder.Log(ctx, id, "", viper.GetString("role"), domain.LevelError, reason, nil); err != nil {
						return err
					}
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason logged to the trail")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks carry a role, a size estimate, and dependencies on sibling tasks. Ready tasks (todo with all deps done) are handed out via 'claim'; status moves with optimistic version checks.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskImportCmd())
	task.AddCommand(taskReadyCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskTransitionCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var storyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks for a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.TasksForStory(ctx, storyID)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var storyID string
	var draft engine.TaskDraft
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.CreateTasks(ctx, storyID, []engine.TaskDraft{draft})
				if err != nil {
					return err
				}
				return printJSONOrIndent(tasks[0])
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().StringVar(&draft.ID, "id", "", "task id")
	cmd.Flags().StringVar(&draft.Kind, "kind", "impl", "task kind")
	cmd.Flags().StringVar(&draft.Description, "description", "", "description")
	cmd.Flags().StringVar(&draft.Role, "role-assignee", "", "assignee role")
	cmd.Flags().StringVar(&draft.Size, "size", "M", "size estimate (S, M, L)")
	cmd.Flags().StringArrayVar(&draft.Dependencies, "depends-on", []string{}, "dependency task id (repeatable)")
	cmd.Flags().StringArrayVar(&draft.Acceptance, "accept", []string{}, "acceptance criterion (repeatable)")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role-assignee")
	return cmd
}

// taskImportFile is the YAML shape consumed by 'sl task import'.
type taskImportFile struct {
	Story string `yaml:"story"`
	Tasks []struct {
		ID           string   `yaml:"id"`
		Kind         string   `yaml:"kind"`
		Description  string   `yaml:"description"`
		Role         string   `yaml:"role"`
		Size         string   `yaml:"size"`
		Dependencies []string `yaml:"dependencies"`
		Acceptance   []string `yaml:"acceptance"`
	} `yaml:"tasks"`
}

func taskImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a task plan from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var plan taskImportFile
			if err := yaml.Unmarshal(data, &plan); err != nil {
				return err
			}
			if plan.Story == "" {
				return fmt.Errorf("plan is missing story id")
			}
			drafts := make([]engine.TaskDraft, 0, len(plan.Tasks))
			for _, t := range plan.Tasks {
				drafts = append(drafts, engine.TaskDraft{
					ID:           t.ID,
					Kind:         t.Kind,
					Description:  t.Description,
					Role:         t.Role,
					Size:         t.Size,
					Dependencies: t.Dependencies,
					Acceptance:   t.Acceptance,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.CreateTasks(ctx, plan.Story, drafts)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML task plan")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskReadyCmd() *cobra.Command {
	var storyID string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List ready tasks for a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ReadyTasks(ctx, storyID)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var storyID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next ready task for the acting role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ClaimNext(ctx, storyID, viper.GetString("role"))
				if errors.Is(err, engine.ErrNoneAvailable) {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"available": false})
					}
					fmt.Println("nothing to claim")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var status string
	var version int64
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("version") {
					t, err := e.Repo.GetTask(ctx, id)
					if err != nil {
						return err
					}
					version = t.Version
				}
				t, err := e.TransitionTask(ctx, id, version, status, viper.GetString("role"))
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (defaults to current)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit trail",
		Long:  "The append-only diary of everything that happened to a story: status changes, claims, agent notes.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logAddCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var storyID string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest trail entries for a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.Recorder.LogsFor(ctx, storyID)
				if err != nil {
					return err
				}
				if n > 0 && len(logs) > n {
					logs = logs[len(logs)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Task", "Role", "Level", "Message"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.TS, l.TaskID, l.Role, l.Level, l.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func logAddCmd() *cobra.Command {
	var storyID, taskID, level, message string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a trail entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Recorder.Log(ctx, storyID, taskID, viper.GetString("role"), level, message, nil)
				if err != nil {
					return err
				}
				return printJSONOrIndent(entry)
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id (optional)")
	cmd.Flags().StringVar(&level, "level", domain.LevelInfo, "level (INFO, WARN, ERROR)")
	cmd.Flags().StringVar(&message, "message", "", "message")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func artifactCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "artifact",
		Short: "Recorded work products",
		Long:  "Artifacts are the files agents produce, recorded by path with a content hash. Re-recording the same path appends a new row; history is never overwritten.",
	}
	a.AddCommand(artifactListCmd())
	a.AddCommand(artifactAddCmd())
	return a
}

func artifactListCmd() *cobra.Command {
	var storyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts for a story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Recorder.ArtifactsFor(ctx, storyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Task", "Path", "Kind", "Hash"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.TS, a.TaskID, a.Path, a.Kind, a.Hash[:12]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func artifactAddCmd() *cobra.Command {
	var storyID, taskID, path, kind, file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an artifact from a local file",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if path == "" {
				path = file
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Recorder.Artifact(ctx, storyID, taskID, path, content, kind, nil)
				if err != nil {
					return err
				}
				return printJSONOrIndent(a)
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().StringVar(&taskID, "task", "", "task id (optional)")
	cmd.Flags().StringVar(&file, "file", "", "file to record")
	cmd.Flags().StringVar(&path, "path", "", "recorded path (defaults to --file)")
	cmd.Flags().StringVar(&kind, "kind", "code", "artifact kind")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func backlogCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Render the backlog Markdown mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r := backlog.Renderer{Repo: e.Repo, Now: e.Now}
				if output == "" {
					output = e.Config.BacklogPath()
				}
				if output == "-" {
					md, err := r.Render(ctx)
					if err != nil {
						return err
					}
					fmt.Print(md)
					return nil
				}
				if err := r.RenderToFile(ctx, output); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output path ('-' for stdout)")
	return cmd
}

func roomCmd() *cobra.Command {
	room := &cobra.Command{
		Use:   "room",
		Short: "Per-story room documents",
	}
	room.AddCommand(roomEnsureCmd())
	room.AddCommand(roomLogCmd())
	return room
}

func roomEnsureCmd() *cobra.Command {
	var storyID string
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the story room document if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStory(ctx, storyID)
				if err != nil {
					return err
				}
				path, err := backlog.EnsureRoomDoc(e.Config.DocsDir(), s.ID, s.Title)
				if err != nil {
					return err
				}
				if err := e.SetRoomDoc(ctx, s.ID, path); err != nil {
					return err
				}
				fmt.Printf("Room doc at %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	_ = cmd.MarkFlagRequired("story")
	return cmd
}

func roomLogCmd() *cobra.Command {
	var storyID, title string
	var body []string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Append a section to the story room document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStory(ctx, storyID)
				if err != nil {
					return err
				}
				if s.RoomDocPath == nil {
					return fmt.Errorf("story %s has no room doc; run 'sl room ensure' first", storyID)
				}
				return backlog.AppendRoomLog(*s.RoomDocPath, viper.GetString("role"), title, body)
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().StringVar(&title, "title", "", "section title")
	cmd.Flags().StringArrayVar(&body, "line", []string{}, "body line (repeatable)")
	_ = cmd.MarkFlagRequired("story")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// seedStories mirrors the initial backlog the orchestration plan starts from.
var seedStories = []struct {
	ID    string
	Title string
	Epic  string
}{
	{"A1", "Dev stack & scripts", "platform"},
	{"B1", "Task builder & role router", "orchestration"},
	{"C1", "Workflow orchestrator", "orchestration"},
	{"D1", "Retriever", "ml"},
	{"E1", "QA test harness", "quality"},
	{"F1", "Mirror renderer DB to Markdown", "platform"},
	{"G1", "FE dashboard", "frontend"},
	{"H1", "Decision record cycle", "process"},
}

var seedTasks = []engine.TaskDraft{
	{
		ID: "G1.T01", Kind: domain.TaskKindImpl, Role: domain.RoleDevOps, Size: "S",
		Description: "Set up the initial Vite project structure for the frontend dashboard.",
		Acceptance: []string{
			"Vite project is initialized in workspace/ folder",
			"package.json contains necessary dependencies",
		},
	},
	{
		ID: "G1.T02", Kind: domain.TaskKindImpl, Role: domain.RoleBackend, Size: "M",
		Dependencies: []string{"G1.T01"},
		Description:  "Create a mock API endpoint in the backend to serve dashboard data.",
		Acceptance: []string{
			"Endpoint /api/dashboard/status returns a mock JSON response",
			"Endpoint is documented in OpenAPI spec",
		},
	},
	{
		ID: "G1.T03", Kind: domain.TaskKindImpl, Role: domain.RoleFrontend, Size: "M",
		Dependencies: []string{"G1.T02"},
		Description:  "Implement the main dashboard UI component to display story and task status.",
		Acceptance: []string{
			"Component fetches and displays data from the mock API",
			"UI is responsive and follows basic design principles",
		},
	},
	{
		ID: "G1.T04", Kind: domain.TaskKindTest, Role: domain.RoleQA, Size: "S",
		Dependencies: []string{"G1.T03"},
		Description:  "Write Playwright E2E tests for the dashboard.",
		Acceptance: []string{
			"Tests cover the main user flow of viewing the dashboard",
			"Test script runs successfully via tools/run_tests.sh",
		},
	},
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the initial backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for _, s := range seedStories {
					if _, err := e.CreateStory(ctx, s.ID, s.Title, s.Epic); err != nil {
						return err
					}
				}
				if _, err := e.CreateTasks(ctx, "G1", seedTasks); err != nil {
					return err
				}
				fmt.Printf("Seeded %d stories, %d tasks\n", len(seedStories), len(seedTasks))
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var actorID, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a worker bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("STORYLINE_JWT_SECRET")
			token, err := server.IssueToken(secret, actorID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (token subject)")
	cmd.Flags().StringVar(&role, "agent-role", "", "agent role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("agent-role")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, closeFn, err := app.OpenEngine(workspace)
			if err != nil {
				return err
			}
			defer closeFn()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STORYLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				fmt.Println("warning: STORYLINE_JWT_SECRET not set, trusting actor headers")
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
			fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	e, closeFn, err := app.OpenEngine(workspace)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Kind", "Role", "Size", "Status", "Deps"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Kind, t.Role, t.Size, t.Status, strings.Join(t.Dependencies, ",")})
	}
	tw.Render()
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
