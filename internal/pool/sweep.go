package pool

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// KillProcessOnPort finds and kills whatever process listens on the port.
// Used when a stale backend from a crashed run still owns a port we need.
// Returns nil when no process is found.
func KillProcessOnPort(port int) error {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		// lsof exits non-zero when nothing listens; that is the good case.
		return nil
	}

	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		log.Info().Int("pid", pid).Int("port", port).Msg("Killing process on port")
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// KillStrayBackends force-kills every process whose command line matches the
// backend's serve invocation, system-wide. This is a last-resort hygiene
// sweep for orphans left by a previous crashed run: it is non-deterministic
// and environment-dependent, and nothing relies on it for correctness.
func KillStrayBackends(command string) error {
	if command == "" {
		return nil
	}
	// pkill exits 1 when nothing matched, which is fine.
	err := exec.Command("pkill", "-f", command+" serve").Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil
		}
		return err
	}
	return nil
}
