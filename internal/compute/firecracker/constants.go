package firecracker

import "time"

// Default resource limits per worker microVM.
const (
	DefaultVCPUs = 2
	DefaultMemMB = 2048
)

// GuestWorkerPath is the worker binary inside the rootfs. It runs as init.
const GuestWorkerPath = "/usr/local/bin/sandbox-worker"

// baseBootArgs are the kernel boot arguments shared by every worker microVM.
const baseBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestWorkerPath

const (
	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketName is the API socket inside the per-VM directory.
	vmSocketName = "firecracker.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second
)
