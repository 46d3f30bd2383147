package client

import (
	"context"
	"os"
	osexec "os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/sqlite-sidecar/exec"
	"github.com/zhubert/sqlite-sidecar/logger"
)

// EngineProcess represents a running sidecar engine found on the system.
type EngineProcess struct {
	PID     int
	Command string // full command line
}

// orphanScanTimeout bounds the process-table scan.
const orphanScanTimeout = 5 * time.Second

// FindEngineProcesses lists every running sidecar engine on the system.
// Useful for detecting engines left behind after a host crash.
func FindEngineProcesses() ([]EngineProcess, error) {
	var processes []EngineProcess
	log := logger.WithComponent("orphans")
	executor := exec.GetDefaultExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), orphanScanTimeout)
	defer cancel()

	switch runtime.GOOS {
	case "darwin", "linux":
		output, err := executor.Output(ctx, "", "pgrep", "-f", "sqlite-sidecar")
		if err != nil {
			// pgrep exits 1 when nothing matches.
			if exitErr, ok := err.(*osexec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(pidStr)
			if err != nil {
				continue
			}
			psOutput, err := executor.Output(ctx, "", "ps", "-p", pidStr, "-o", "args=")
			if err != nil {
				continue
			}
			processes = append(processes, EngineProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}

	case "windows":
		output, err := executor.Output(ctx, "", "tasklist", "/FI", "IMAGENAME eq sqlite-sidecar*", "/FO", "CSV", "/NH")
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(output), "\n") {
			fields := strings.Split(line, ",")
			if len(fields) < 2 {
				continue
			}
			pid, err := strconv.Atoi(strings.Trim(strings.TrimSpace(fields[1]), "\""))
			if err != nil {
				continue
			}
			processes = append(processes, EngineProcess{
				PID:     pid,
				Command: strings.Trim(fields[0], "\""),
			})
		}
	}

	log.Debug("found engine processes", "count", len(processes))
	return processes, nil
}

// FindOrphanedEngines returns engine processes whose pid is not in
// knownPIDs. The host passes the pids of the children it currently
// supervises; everything else is a leftover.
func FindOrphanedEngines(knownPIDs map[int]bool) ([]EngineProcess, error) {
	all, err := FindEngineProcesses()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("orphans")
	ownPID := currentPID()

	var orphans []EngineProcess
	for _, proc := range all {
		if proc.PID == ownPID || knownPIDs[proc.PID] {
			continue
		}
		orphans = append(orphans, proc)
		log.Info("found orphaned engine process", "pid", proc.PID, "command", proc.Command)
	}
	return orphans, nil
}

// CleanupOrphanedEngines kills every engine process not in knownPIDs.
// Returns the number of processes killed.
func CleanupOrphanedEngines(knownPIDs map[int]bool) (int, error) {
	orphans, err := FindOrphanedEngines(knownPIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("orphans")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned engine process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}

// KillProcess kills a process by pid.
func KillProcess(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), orphanScanTimeout)
	defer cancel()
	executor := exec.GetDefaultExecutor()

	switch runtime.GOOS {
	case "darwin", "linux":
		_, err := executor.Output(ctx, "", "kill", "-9", strconv.Itoa(pid))
		return err
	case "windows":
		_, err := executor.Output(ctx, "", "taskkill", "/F", "/PID", strconv.Itoa(pid))
		return err
	}
	return nil
}

func currentPID() int {
	return os.Getpid()
}
