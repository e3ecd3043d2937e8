package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	RunE:  runRuns,
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show one run's status and summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Print a run's event stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow events until the run finishes")
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
}

type runJSON struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

func runRuns(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/runs")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var runs []runJSON
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tCREATED\tPROMPT")
	for _, r := range runs {
		prompt := r.Prompt
		if len(prompt) > 50 {
			prompt = prompt[:47] + "..."
		}
		created := time.UnixMilli(r.CreatedAt).Local().Format("01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.ProjectID, statusIcon(r.Status), created, prompt)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/api/runs/" + args[0])
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var detail struct {
		Run struct {
			runJSON
			StartedAt   int64  `json:"started_at"`
			FinishedAt  int64  `json:"finished_at"`
			SummaryJSON string `json:"summary_json"`
		} `json:"run"`
		Job *struct {
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		} `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	r := detail.Run
	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Project:  %s\n", r.ProjectID)
	fmt.Printf("Session:  %s\n", r.SessionID)
	fmt.Printf("Status:   %s\n", statusIcon(r.Status))
	fmt.Printf("Prompt:   %s\n", r.Prompt)
	if r.StartedAt > 0 {
		fmt.Printf("Started:  %s\n", time.UnixMilli(r.StartedAt).Local().Format(time.RFC3339))
	}
	if r.FinishedAt > 0 {
		fmt.Printf("Finished: %s\n", time.UnixMilli(r.FinishedAt).Local().Format(time.RFC3339))
	}
	if r.SummaryJSON != "" {
		var sum struct {
			DurationMs     int64  `json:"duration_ms"`
			ToolCallsCount int    `json:"tool_calls_count"`
			BytesOut       int64  `json:"bytes_out"`
			ExitStatus     string `json:"exit_status"`
		}
		if json.Unmarshal([]byte(r.SummaryJSON), &sum) == nil {
			fmt.Printf("Summary:  %dms, %d tool calls, %d bytes out, exit %s\n",
				sum.DurationMs, sum.ToolCallsCount, sum.BytesOut, sum.ExitStatus)
		}
	}
	if detail.Job != nil && detail.Job.LastError != "" {
		fmt.Printf("Error:    %s (attempt %d)\n", detail.Job.LastError, detail.Job.Attempts)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := "/api/runs/" + args[0] + "/events"
	if logsFollow {
		path += "?follow=1"
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	if !logsFollow {
		var events []struct {
			Seq         int64  `json:"seq"`
			EventType   string `json:"event_type"`
			PayloadJSON string `json:"payload_json"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		for _, e := range events {
			printEvent(e.EventType, e.PayloadJSON)
		}
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			printEvent(eventType, strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

func printEvent(eventType, payload string) {
	var ev struct {
		Text     string `json:"text"`
		ToolName string `json:"toolName"`
		Message  string `json:"message"`
		Status   string `json:"status"`
	}
	json.Unmarshal([]byte(payload), &ev)

	switch eventType {
	case "text_delta":
		fmt.Print(ev.Text)
	case "tool_start":
		fmt.Printf("\n\033[36m[tool]\033[0m %s\n", ev.ToolName)
	case "error":
		fmt.Fprintf(os.Stderr, "\n\033[31m[error]\033[0m %s\n", ev.Message)
	case "run_finished":
		fmt.Printf("\n\033[32m✓ %s\033[0m\n", ev.Status)
	}
}

func statusIcon(status string) string {
	switch status {
	case "queued":
		return "⏳ queued"
	case "leased", "in_flight":
		return "🔄 " + status
	case "completed":
		return "✅ completed"
	case "failed":
		return "❌ failed"
	case "cancelled":
		return "🛑 cancelled"
	case "abandoned":
		return "⚠️ abandoned"
	default:
		return status
	}
}
