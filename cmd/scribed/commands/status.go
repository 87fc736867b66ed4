package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/murmur-labs/scribed/internal/cli/output"
	"github.com/murmur-labs/scribed/internal/cli/timeutil"
	"github.com/murmur-labs/scribed/pkg/resultcache"
	"github.com/murmur-labs/scribed/pkg/task"
	"github.com/spf13/cobra"
)

var (
	statusOutput  string
	statusPidFile string
	statusPort    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the current status of the scribed server.

This command checks the server health endpoint and displays connection,
queue, and cache statistics.

Examples:
  # Check status (uses default settings)
  scribed status

  # Check status with custom port
  scribed status --port 9765

  # Output as JSON
  scribed status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/scribed/scribed.pid)")
	statusCmd.Flags().IntVar(&statusPort, "port", 8765, "Server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// serverStats mirrors the /api/status response body.
type serverStats struct {
	Version   string            `json:"version" yaml:"version"`
	Commit    string            `json:"commit,omitempty" yaml:"commit,omitempty"`
	StartedAt string            `json:"started_at" yaml:"started_at"`
	Uptime    string            `json:"uptime" yaml:"uptime"`
	Sessions  int               `json:"sessions" yaml:"sessions"`
	Tasks     task.Stats        `json:"tasks" yaml:"tasks"`
	Cache     resultcache.Stats `json:"cache" yaml:"cache"`
}

// ServerStatus is the assembled status report.
type ServerStatus struct {
	Running bool         `json:"running" yaml:"running"`
	PID     int          `json:"pid,omitempty" yaml:"pid,omitempty"`
	Healthy bool         `json:"healthy" yaml:"healthy"`
	Message string       `json:"message" yaml:"message"`
	Stats   *serverStats `json:"stats,omitempty" yaml:"stats,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := ServerStatus{
		Running: false,
		Healthy: false,
		Message: "Server is not running",
	}

	// Use default PID file if not specified
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check PID file first
	pidData, err := os.ReadFile(pidPath)
	if err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil {
			process, err := os.FindProcess(pid)
			if err == nil {
				// On Unix, FindProcess always succeeds; signal 0 probes liveness
				if err := process.Signal(syscall.Signal(0)); err == nil {
					status.Running = true
					status.PID = pid
				}
			}
		}
	}

	// Check health and stats endpoints (works for both daemon and foreground mode)
	client := &http.Client{Timeout: 2 * time.Second}

	healthResp, err := client.Get(fmt.Sprintf("http://localhost:%d/healthz", statusPort))
	if err == nil {
		_ = healthResp.Body.Close()
		status.Running = true
		status.Healthy = healthResp.StatusCode == http.StatusOK
	}

	if status.Healthy {
		status.Message = "Server is running and healthy"

		statsResp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/status", statusPort))
		if err == nil {
			var stats serverStats
			if err := json.NewDecoder(statsResp.Body).Decode(&stats); err == nil {
				status.Stats = &stats
			}
			_ = statsResp.Body.Close()
		}
	} else if status.Running {
		// PID file says running but health check failed
		status.Message = "Server process exists but health check failed"
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, status)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, status)
	default:
		printStatusTable(status)
	}

	return nil
}

func printStatusTable(status ServerStatus) {
	fmt.Println()
	fmt.Println("Scribed Server Status")
	fmt.Println("=====================")
	fmt.Println()

	if status.Running {
		if status.Healthy {
			fmt.Printf("  Status:     \033[32m● Running\033[0m\n")
		} else {
			fmt.Printf("  Status:     \033[33m● Running (unhealthy)\033[0m\n")
		}
		if status.PID != 0 {
			fmt.Printf("  PID:        %d\n", status.PID)
		}
	} else {
		fmt.Printf("  Status:     \033[31m○ Stopped\033[0m\n")
	}

	if s := status.Stats; s != nil {
		fmt.Printf("  Version:    %s\n", s.Version)
		if s.StartedAt != "" {
			fmt.Printf("  Started:    %s\n", timeutil.FormatTime(s.StartedAt))
		}
		if s.Uptime != "" {
			fmt.Printf("  Uptime:     %s\n", timeutil.FormatUptime(s.Uptime))
		}
		fmt.Println()
		pairs := [][2]string{
			{"Sessions", strconv.Itoa(s.Sessions)},
			{"Pending tasks", strconv.Itoa(s.Tasks.Pending)},
			{"Processing tasks", strconv.Itoa(s.Tasks.Processing)},
			{"Completed", strconv.FormatInt(s.Tasks.Completed, 10)},
			{"Failed", strconv.FormatInt(s.Tasks.Failed, 10)},
			{"Cancelled", strconv.FormatInt(s.Tasks.Cancelled, 10)},
			{"Queue", fmt.Sprintf("%d/%d", s.Tasks.QueueSize, s.Tasks.MaxQueueSize)},
			{"Workers", strconv.Itoa(s.Tasks.MaxConcurrent)},
			{"Cache entries", strconv.Itoa(s.Cache.Entries)},
			{"Cache hits", strconv.FormatInt(s.Cache.Hits, 10)},
			{"Cache misses", strconv.FormatInt(s.Cache.Misses, 10)},
		}
		if s.Tasks.AvgProcessingSeconds > 0 {
			pairs = append(pairs, [2]string{"Avg processing", fmt.Sprintf("%.1fs", s.Tasks.AvgProcessingSeconds)})
		}
		_ = output.SimpleTable(os.Stdout, pairs)
	}

	fmt.Println()
	fmt.Printf("  %s\n", status.Message)
	fmt.Println()
}
