// ringmasterctl is a thin HTTP client over the ringmaster API. Output is
// JSON when piped and tabular when stdout is a terminal.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "0.1.0"

var (
	serverURL    string
	outputFormat string
	authToken    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "ringmasterctl",
		Short:   "Interact with a ringmaster server",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer(), "Server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", defaultFormat(), "Output format: json, table")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("RINGMASTER_TOKEN"), "Bearer token")

	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newProjectCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newEventsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultServer() string {
	if s := os.Getenv("RINGMASTER_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8700"
}

// defaultFormat picks tables for humans and JSON for pipes.
func defaultFormat() string {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "table"
	}
	return "json"
}

type client struct {
	base string
	http *http.Client
}

func newClient() *client {
	return &client{base: serverURL, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) do(method, path string, params url.Values, body any) ([]byte, error) {
	u := c.base + path
	if params != nil {
		u += "?" + params.Encode()
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return data, nil
}

// emit prints raw JSON, or a table when columns are given and table output
// is selected.
func emit(data []byte, columns []string) error {
	if outputFormat != "table" || columns == nil {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			os.Stdout.Write(data)
			return nil
		}
		buf.WriteByte('\n')
		os.Stdout.Write(buf.Bytes())
		return nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		var one map[string]any
		if err := json.Unmarshal(data, &one); err != nil {
			os.Stdout.Write(data)
			return nil
		}
		rows = []map[string]any{one}
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(columns, "\t")))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = fmt.Sprintf("%v", row[col])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var projectID, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if projectID != "" {
				params.Set("project_id", projectID)
			}
			if status != "" {
				params.Set("status", status)
			}
			data, err := newClient().do(http.MethodGet, "/api/tasks", params, nil)
			if err != nil {
				return err
			}
			return emit(data, []string{"id", "title", "status", "priority", "attempts"})
		},
	}
	list.Flags().StringVarP(&projectID, "project", "p", "", "Filter by project id")
	list.Flags().StringVar(&status, "status", "", "Filter by status")

	var title, project, taskType string
	var priority int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodPost, "/api/tasks", nil, map[string]any{
				"title":      title,
				"project_id": project,
				"type":       taskType,
				"priority":   priority,
			})
			if err != nil {
				return err
			}
			return emit(data, nil)
		},
	}
	create.Flags().StringVarP(&title, "title", "t", "", "Task title")
	create.Flags().StringVarP(&project, "project", "p", "", "Project id")
	create.Flags().StringVar(&taskType, "type", "task", "Bead type: epic, task, subtask")
	create.Flags().IntVar(&priority, "priority", 2, "Priority 0 (highest) to 4")
	create.MarkFlagRequired("title")
	create.MarkFlagRequired("project")

	get := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodGet, "/api/tasks/"+args[0], nil, nil)
			if err != nil {
				return err
			}
			return emit(data, nil)
		},
	}

	resubmit := &cobra.Command{
		Use:   "resubmit <task-id>",
		Short: "Send a task back through decomposition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodPost, "/api/tasks/"+args[0]+"/resubmit", nil, nil)
			if err != nil {
				return err
			}
			return emit(data, nil)
		},
	}

	cmd.AddCommand(list, create, get, resubmit)
	return cmd
}

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Manage workers"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodGet, "/api/workers", nil, nil)
			if err != nil {
				return err
			}
			return emit(data, []string{"id", "name", "type", "status"})
		},
	}

	control := func(verb, short string) *cobra.Command {
		return &cobra.Command{
			Use:   verb + " <worker-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := newClient().do(http.MethodPost, "/api/workers/"+args[0]+"/"+verb, nil, nil)
				if err != nil {
					return err
				}
				return emit(data, nil)
			},
		}
	}

	cmd.AddCommand(list,
		control("activate", "Bring a worker online"),
		control("deactivate", "Take a worker offline"),
		control("pause", "Stop a worker from taking new tasks"),
		control("cancel", "Cancel a worker's running task"))
	return cmd
}

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodGet, "/api/projects", nil, nil)
			if err != nil {
				return err
			}
			return emit(data, []string{"id", "name", "repo_path"})
		},
	}

	var name, repoPath string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodPost, "/api/projects", nil, map[string]any{
				"name":      name,
				"repo_path": repoPath,
			})
			if err != nil {
				return err
			}
			return emit(data, nil)
		},
	}
	create.Flags().StringVarP(&name, "name", "n", "", "Project name")
	create.Flags().StringVar(&repoPath, "repo", "", "Repository path on the server host")
	create.MarkFlagRequired("name")

	summary := &cobra.Command{
		Use:   "summary <project-id>",
		Short: "Show task counts by status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodGet, "/api/projects/"+args[0]+"/summary", nil, nil)
			if err != nil {
				return err
			}
			return emit(data, nil)
		},
	}

	cmd.AddCommand(list, create, summary)
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().do(http.MethodGet, "/api/health", nil, nil)
			if err != nil {
				return err
			}
			return emit(data, nil)
		},
	}
}

func newEventsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent engine events",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			params.Set("limit", fmt.Sprintf("%d", limit))
			data, err := newClient().do(http.MethodGet, "/api/events", params, nil)
			if err != nil {
				return err
			}
			return emit(data, []string{"type", "project_id", "timestamp"})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Number of events")
	return cmd
}
