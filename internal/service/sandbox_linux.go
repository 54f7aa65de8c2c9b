//go:build linux

package service

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// applyProcessSandbox strips the host environment from a service process and
// ties its lifetime to the host.
func applyProcessSandbox(cmd *exec.Cmd, family string) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Service dies with the host.
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Env = serviceEnv(family)
}

// serviceEnv builds a minimal environment so host secrets never leak into
// package code.
func serviceEnv(family string) []string {
	env := []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

	tmpDir := filepath.Join(os.TempDir(), "extensionhost-"+filepath.Base(family))
	if err := os.MkdirAll(tmpDir, 0o700); err == nil {
		env = append(env, "HOME="+tmpDir, "TMPDIR="+tmpDir)
	} else {
		env = append(env, "HOME=/tmp", "TMPDIR=/tmp")
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}
	return env
}
