package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// runGit executes a git command in dir and returns its combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// parseGitVersion extracts (major, minor) from `git version` output,
// e.g. "git version 2.39.2" or "git version 2.39.2.windows.1".
func parseGitVersion(out string) (int, int, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("unrecognized git version output %q", out)
	}
	parts := strings.Split(fields[2], ".")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unrecognized git version %q", fields[2])
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized git major version %q", parts[0])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized git minor version %q", parts[1])
	}
	return major, minor, nil
}

func gitVersionSupported(major, minor int) bool {
	if major != 2 {
		return major > 2
	}
	return minor >= 20
}
