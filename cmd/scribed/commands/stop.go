package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopPidFile string
	stopTimeout time.Duration
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the scribed server",
	Long: `Stop a scribed server started in daemon mode.

The server is sent SIGTERM and given time to finish in-flight transcriptions
before the command gives up waiting.

Examples:
  # Stop the server
  scribed stop

  # Stop with a custom PID file
  scribed stop --pid-file /var/run/scribed.pid`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/scribed/scribed.pid)")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "How long to wait for the server to exit")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := stopPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("scribed does not appear to be running (no PID file at %s)", pidPath)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidPath, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	// Signal 0 probes for liveness without affecting the process.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(pidPath)
		return fmt.Errorf("scribed is not running (stale PID file removed)")
	}

	fmt.Printf("Stopping scribed (PID %d)...\n", pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	// Wait for the process to exit; the PID file is removed by the server on
	// clean shutdown.
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("Server stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	return fmt.Errorf("server did not stop within %s; it may still be draining tasks", stopTimeout)
}
