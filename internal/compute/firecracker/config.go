package firecracker

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath   = "SANDBOX_FC_KERNEL_PATH"
	envRootfsPath   = "SANDBOX_FC_ROOTFS_PATH"
	envBin          = "SANDBOX_FC_BIN"
	envCNIConfigDir = "SANDBOX_FC_CNI_CONFIG_DIR"
	envCNIBinDir    = "SANDBOX_FC_CNI_BIN_DIR"
	envVCPUs        = "SANDBOX_FC_VCPUS"
	envMemMB        = "SANDBOX_FC_MEM_MB"
	envEndpoint     = "SANDBOX_FC_WORKER_ENDPOINT"
	envSDKLogLevel  = "SANDBOX_FC_SDK_LOG_LEVEL"
)

// Config holds configuration for the Firecracker worker provider.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsPath is the worker rootfs image. Each microVM boots a private copy.
	RootfsPath string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// CNIConfigDir is the path to CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the path to CNI plugin binaries.
	CNIBinDir string

	VCPUs int
	MemMB int

	// WorkerEndpoint is the dispatch address the guest worker polls. It must
	// be reachable from the bridge network.
	WorkerEndpoint string

	// WorkerToken is passed to the guest worker. Set from the server's own
	// worker token rather than the environment.
	WorkerToken string

	// SDKLogLevel is the logrus level for firecracker-go-sdk output.
	SDKLogLevel string
}

// LoadConfig reads Firecracker configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin: "firecracker",
		CNIConfigDir:   "/etc/cni/conf.d",
		CNIBinDir:      "/opt/cni/bin",
		VCPUs:          DefaultVCPUs,
		MemMB:          DefaultMemMB,
		WorkerEndpoint: "http://" + DefaultGateway + ":8080",
		SDKLogLevel:    "warning",
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsPath); v != "" {
		cfg.RootfsPath = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVCPUs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VCPUs = n
		}
	}
	if v := os.Getenv(envMemMB); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MemMB = n
		}
	}
	if v := os.Getenv(envEndpoint); v != "" {
		cfg.WorkerEndpoint = v
	}
	if v := os.Getenv(envSDKLogLevel); v != "" {
		cfg.SDKLogLevel = strings.ToLower(v)
	}

	return cfg
}
