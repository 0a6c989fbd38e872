//go:build linux

package guest

import (
	"log/slog"
	"os"
	"syscall"
)

type mountEntry struct {
	source string
	target string
	fstype string
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs"},
}

// IsInit reports whether the process is PID 1.
func IsInit() bool {
	return os.Getpid() == 1
}

// SetupInit mounts the pseudo filesystems a microVM init needs, sets a
// basic environment and imports SANDBOX_* boot parameters. It does nothing
// unless the process is PID 1.
func SetupInit(logger *slog.Logger) {
	if !IsInit() {
		return
	}
	logger.Info("running as init, mounting essential filesystems")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("create mount point", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logger.Warn("mount failed", "target", m.target, "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")

	keys, err := ImportCmdline(CmdlinePath)
	if err != nil {
		logger.Warn("import boot parameters", "error", err)
		return
	}
	logger.Debug("imported boot parameters", "keys", keys)
}

// Halt powers the microVM off when the process is init. Firecracker exits
// on a guest reboot request, which the provider observes as a stopped VM.
func Halt(logger *slog.Logger) {
	if !IsInit() {
		return
	}
	syscall.Sync()
	if err := syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART); err != nil {
		logger.Error("reboot failed", "error", err)
	}
}
