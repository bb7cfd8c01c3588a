package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/yokuradaisuke/backlog-migration/internal/buildinfo"
	"github.com/yokuradaisuke/backlog-migration/pkg/service"
	tuimodel "github.com/yokuradaisuke/backlog-migration/pkg/tui/model"
)

var baseURL string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Control panel client for Backlog project migrations",
	Long:  "Migrate drives the migrated daemon: run init, fix the user mapping, execute the migration, and watch progress.",
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:8750", "daemon base URL")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
}

// --- Shared migration parameters ---

var (
	srcKey     string
	srcURL     string
	dstKey     string
	dstURL     string
	projectKey string

	fitIssueKey  bool
	excludeWiki  bool
	excludeIssue bool
	retryCount   int
)

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&srcKey, "src-key", os.Getenv("BACKLOG_SRC_KEY"), "source space API key")
	cmd.Flags().StringVar(&srcURL, "src-url", os.Getenv("BACKLOG_SRC_URL"), "source space URL")
	cmd.Flags().StringVar(&dstKey, "dst-key", os.Getenv("BACKLOG_DST_KEY"), "destination space API key")
	cmd.Flags().StringVar(&dstURL, "dst-url", os.Getenv("BACKLOG_DST_URL"), "destination space URL")
	cmd.Flags().StringVar(&projectKey, "project", "", "project key pair SRC:DST")
}

func addExecuteFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&fitIssueKey, "fit-issue-key", false, "keep issue keys aligned with the source")
	cmd.Flags().BoolVar(&excludeWiki, "exclude-wiki", false, "skip wiki migration")
	cmd.Flags().BoolVar(&excludeIssue, "exclude-issue", false, "skip issue migration")
	cmd.Flags().IntVar(&retryCount, "retry-count", 0, "tool retry count (0 = tool default)")
}

func initBody() map[string]any {
	return map[string]any{
		"srcKey":     srcKey,
		"srcUrl":     srcURL,
		"dstKey":     dstKey,
		"dstUrl":     dstURL,
		"projectKey": projectKey,
	}
}

// splitProjectPair splits the --project SRC:DST pair. A bare key is used
// for both sides.
func splitProjectPair() (string, string) {
	src, dst, ok := strings.Cut(projectKey, ":")
	if !ok {
		return projectKey, projectKey
	}
	return src, dst
}

func startBody() map[string]any {
	src, dst := splitProjectPair()
	return map[string]any{
		"srcApiKey":     srcKey,
		"srcSpaceUrl":   srcURL,
		"dstApiKey":     dstKey,
		"dstSpaceUrl":   dstURL,
		"srcProjectKey": src,
		"dstProjectKey": dst,
		"fitIssueKey":   fitIssueKey,
		"excludeWiki":   excludeWiki,
		"excludeIssue":  excludeIssue,
		"retryCount":    retryCount,
	}
}

// --- HTTP helpers ---

func postJSON(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw.Bytes(), &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, envelope.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(raw.Bytes(), out)
	}
	return nil
}

// --- Watch (root) ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch migration progress in a TUI",
	RunE:  runWatch,
}

func runWatch(_ *cobra.Command, _ []string) error {
	app := tuimodel.New(baseURL)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Init ---

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Run the tool's init phase and generate the mapping files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 90*time.Second)
		defer cancel()

		var resp struct {
			Output         string          `json:"output"`
			FilesGenerated map[string]bool `json:"filesGenerated"`
		}
		if err := postJSON(ctx, "/api/migration/init", initBody(), &resp); err != nil {
			return err
		}

		fmt.Println(resp.Output)
		if resp.FilesGenerated["usersFile"] {
			fmt.Println("mapping/users.csv generated ✓")
		}
		if resp.FilesGenerated["usersListFile"] {
			fmt.Println("mapping/users_list.csv generated ✓")
		}
		return nil
	},
}

func init() {
	addParamFlags(initCmd)
}

// --- Map ---

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Fetch destination users and update the mapping CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 90*time.Second)
		defer cancel()

		_, dstProject := splitProjectPair()
		var fetched struct {
			Users   []json.RawMessage `json:"users"`
			Message string            `json:"message"`
		}
		err := postJSON(ctx, "/api/migration/fetch-destination-users", map[string]any{
			"dstApiKey": dstKey, "dstSpaceUrl": dstURL, "dstProjectKey": dstProject,
		}, &fetched)
		if err != nil {
			return err
		}
		fmt.Println(fetched.Message)

		var updated struct {
			Total     int `json:"totalRecords"`
			Updated   int `json:"updatedRecords"`
			Unmatched int `json:"unmatchedRecords"`
		}
		err = postJSON(ctx, "/api/migration/update-mapping", map[string]any{
			"destinationUsers": fetched.Users,
		}, &updated)
		if err != nil {
			return err
		}

		fmt.Printf("mapping updated: %d rows, %d matched, %d fell back to source id\n",
			updated.Total, updated.Updated, updated.Unmatched)
		return nil
	},
}

func init() {
	addParamFlags(mapCmd)
}

// --- Start ---

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the migration in the background and return immediately",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 90*time.Second)
		defer cancel()

		var resp struct {
			PID int `json:"pid"`
		}
		if err := postJSON(ctx, "/api/migration/start", startBody(), &resp); err != nil {
			return err
		}

		fmt.Printf("migration started (pid %d); follow it with: migrate watch\n", resp.PID)
		return nil
	},
}

func init() {
	addParamFlags(startCmd)
	addExecuteFlags(startCmd)
}

// --- Execute (streaming) ---

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run the migration and stream its progress to the terminal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := json.Marshal(startBody())
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
			baseURL+"/api/migration/execute", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("cannot reach daemon at %s: %w", baseURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %s", resp.Status)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event struct {
				Type    string `json:"type"`
				Message string `json:"message"`
				Success bool   `json:"success"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			switch event.Type {
			case "complete":
				fmt.Println(event.Message)
				if !event.Success {
					return fmt.Errorf("migration failed")
				}
				return nil
			default:
				fmt.Println(event.Message)
			}
		}
		return scanner.Err()
	},
}

func init() {
	addParamFlags(executeCmd)
	addExecuteFlags(executeCmd)
}

// --- Logs ---

var logsJSON bool

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the current migration status and accumulated logs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/migration/logs", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("cannot reach daemon at %s: %w", baseURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %s", resp.Status)
		}

		var res struct {
			Logs []struct {
				Level   string `json:"level"`
				Message string `json:"message"`
			} `json:"logs"`
			Status string `json:"status"`
		}
		raw := new(bytes.Buffer)
		raw.ReadFrom(resp.Body)
		if logsJSON {
			fmt.Println(raw.String())
			return nil
		}
		if err := json.Unmarshal(raw.Bytes(), &res); err != nil {
			return err
		}

		for _, line := range res.Logs {
			fmt.Printf("%-8s %s\n", line.Level, line.Message)
		}
		fmt.Println("status:", res.Status)
		return nil
	},
}

func init() {
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "output as JSON")
}

// --- Service ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the migrated systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the daemon as a systemd user service",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := service.Install(); err != nil {
			return err
		}
		fmt.Println("migrated.service installed and started ✓")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd user service",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Println("migrated.service removed ✓")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and service status",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(service.Status(baseURL))
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("migrate %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}
