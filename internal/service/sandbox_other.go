//go:build !linux

package service

import (
	"os"
	"os/exec"
)

// applyProcessSandbox only restricts the environment; there is no portable
// way to tie the child's lifetime to the host.
func applyProcessSandbox(cmd *exec.Cmd, family string) {
	cmd.Env = serviceEnv(family)
}

func serviceEnv(string) []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}
	return env
}
