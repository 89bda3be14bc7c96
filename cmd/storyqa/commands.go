package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/storyqa/internal/config"
	"github.com/kalambet/storyqa/internal/embedding"
	"github.com/kalambet/storyqa/internal/pipeline"
)

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Generate test cases for one story event",
	Long: `Generate test cases for one story event.

The event is a JSON object with story_id, project_id, revision, title and
description. By default it is sent to the running server; --local runs the
pipeline in this process instead.

Examples:
  storyqa process --file event.json
  storyqa process --file event.json --async
  storyqa process --file event.json --local`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		local, _ := cmd.Flags().GetBool("local")
		async, _ := cmd.Flags().GetBool("async")

		if file == "" {
			return fmt.Errorf("--file is required")
		}
		ev, err := readEvent(file)
		if err != nil {
			return err
		}

		var res *pipeline.Result
		if local {
			res, err = processLocal(cmd.Context(), ev)
		} else {
			var client *apiClient
			client, err = newAPIClient()
			if err != nil {
				return err
			}
			if async {
				jobID, err := client.enqueue(cmd.Context(), ev)
				if err != nil {
					return err
				}
				printSuccess("Queued job %s", jobID)
				return nil
			}
			res, err = client.process(cmd.Context(), ev)
		}
		if res == nil {
			return err
		}

		printResult(os.Stdout, res)
		if res.Status == pipeline.StatusFailed {
			return fmt.Errorf("processing failed")
		}
		return nil
	},
}

func init() {
	processCmd.Flags().String("file", "", "path to a story event JSON file (- for stdin)")
	processCmd.Flags().Bool("local", false, "run the pipeline in-process instead of calling the server")
	processCmd.Flags().Bool("async", false, "queue the event on the server and return immediately")
}

func readEvent(path string) (pipeline.Event, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("reading event: %w", err)
	}

	var ev pipeline.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return pipeline.Event{}, fmt.Errorf("parsing event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return pipeline.Event{}, err
	}
	return ev, nil
}

func processLocal(ctx context.Context, ev pipeline.Event) (*pipeline.Result, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogging(cfg.Log.Level)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	if err := a.ensureEngines(ctx); err != nil {
		return nil, err
	}
	printStep("Processing story %s rev %d locally", ev.StoryID, ev.Revision)
	return a.processor.Process(ctx, ev)
}

// process posts ev to the story webhook. Failed and partial runs still carry
// a result body, so it is decoded whatever the status.
func (c *apiClient) process(ctx context.Context, ev pipeline.Event) (*pipeline.Result, error) {
	resp, err := c.post(ctx, "/webhooks/story", ev)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var res pipeline.Result
	if err := json.Unmarshal(body, &res); err != nil || res.Status == "" {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &res, nil
}

func (c *apiClient) enqueue(ctx context.Context, ev pipeline.Event) (string, error) {
	resp, err := c.post(ctx, "/webhooks/story?async=true", ev)
	if err != nil {
		return "", err
	}
	var out map[string]string
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	if out["status"] != "queued" {
		return "", fmt.Errorf("event was not queued: %s", out["status"])
	}
	return out["job_id"], nil
}

func statusColor(status string) string {
	switch status {
	case string(pipeline.StatusDone), string(pipeline.StatusDuplicate):
		return colorGreen
	case string(pipeline.StatusPartial):
		return colorYellow
	default:
		return colorRed
	}
}

func printResult(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "%s story %s rev %d: %s\n",
		colorize(colorBold, res.ProjectID), res.StoryID, res.Revision,
		colorize(statusColor(string(res.Status)), string(res.Status)))
	if res.PlanID != 0 {
		fmt.Fprintf(w, "  plan %d, suite %d\n", res.PlanID, res.SuiteID)
	}
	for _, it := range res.Items {
		mark := colorize(colorGreen, "✓")
		if !it.OK() {
			mark = colorize(colorRed, "✗")
		}
		id := it.ExternalID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "  %s %-8s %s\n", mark, id, it.Title)
		if it.Error != nil {
			fmt.Fprintf(w, "      %s: %s\n", it.Error.Kind, it.Error.Message)
		}
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorYellow, "warning:"), warn)
	}
	if res.Error != nil {
		fmt.Fprintf(w, "  %s %s: %s\n", colorize(colorRed, "error:"), res.Error.Kind, res.Error.Message)
	}
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client, limit)
	},
}

func init() {
	statusCmd.Flags().Int("limit", 10, "number of recent runs to show")
}

type runRow struct {
	ProjectID   string `json:"project_id"`
	StoryID     string `json:"story_id"`
	Revision    int    `json:"revision"`
	Status      string `json:"status"`
	FailedItems int    `json:"failed_items"`
	Attempts    int    `json:"attempts"`
	UpdatedAt   string `json:"updated_at"`
}

func showStatus(ctx context.Context, client *apiClient, limit int) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var health map[string]string
	if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "%s", health["status"])
	if vs, ok := health["vector_store"]; ok {
		printStatus("Vector store", "%s", vs)
		if vs != "ok" {
			printWarning("Generation continues without retrieval context until the vector store is back")
		}
	}

	resp, err = client.get(ctx, fmt.Sprintf("/runs?limit=%d", limit))
	if err != nil {
		return err
	}
	var runs []runRow
	if err := decodeJSON(resp, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet.")
		return nil
	}
	fmt.Println()
	for _, r := range runs {
		printRunRow(os.Stdout, r)
	}
	return nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
}

var runsShowCmd = &cobra.Command{
	Use:   "show <project> <story> <revision>",
	Short: "Show the stored result of one story revision",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/runs/%s/%s/%s", url.PathEscape(args[0]), url.PathEscape(args[1]), url.PathEscape(args[2]))
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return fmt.Errorf("no run for %s/%s@%s", args[0], args[1], args[2])
		}

		var run any
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runsCmd.AddCommand(runsShowCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show embedding cache and run statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}
		var stats struct {
			Cache *embedding.CacheStats `json:"cache"`
			Runs  map[string]int        `json:"runs"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		if c := stats.Cache; c != nil {
			printStatus("Cache", "%d/%d entries", c.Size, c.Capacity)
			printStatus("Hit rate", "%.1f%% (%d hits, %d misses)", c.HitRate*100, c.Hits, c.Misses)
			printStatus("Provider calls", "%d", c.ProviderCalls)
		}
		for _, s := range []string{"done", "partial", "failed"} {
			printStatus("Runs "+s, "%d", stats.Runs[s])
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
