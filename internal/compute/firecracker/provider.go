// Package firecracker runs sandbox workers in local Firecracker microVMs.
// Each managed instance is one microVM booting the worker rootfs; worker
// settings reach the guest as environment variables on the kernel command
// line.
package firecracker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/sandbox/internal/compute"
)

// machine is the subset of *fcsdk.Machine the provider drives.
type machine interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	StopVMM() error
	Wait(ctx context.Context) error
}

type vmState struct {
	machine machine
	net     *NetworkConfig
	dir     string
	started time.Time
}

// Provider implements compute.Provider with local microVMs. Instance
// references are matched by name only.
type Provider struct {
	cfg      Config
	net      *NetworkManager
	logger   *slog.Logger
	sdkLog   *logrus.Entry
	newVM    func(ctx context.Context, cfg fcsdk.Config) (machine, error)
	vmCtx    context.Context
	cancelVM context.CancelFunc

	mu  sync.Mutex
	vms map[string]*vmState
}

var _ compute.Provider = (*Provider)(nil)

// NewProvider creates a provider. Started VMs live until Stop or Shutdown,
// independent of the context of the request that started them.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	nm, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}

	sdkLogger := logrus.New()
	sdkLogger.SetFormatter(&logrus.JSONFormatter{})
	sdkLogger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.SDKLogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	sdkLogger.SetLevel(level)
	sdkLog := logrus.NewEntry(sdkLogger).WithField("component", "firecracker-sdk")

	vmCtx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		cfg:      cfg,
		net:      nm,
		logger:   logger,
		sdkLog:   sdkLog,
		vmCtx:    vmCtx,
		cancelVM: cancel,
		vms:      make(map[string]*vmState),
	}
	p.newVM = p.newMachine
	return p, nil
}

// Prepare checks host prerequisites: CNI plugins, the conflist and IP
// forwarding.
func (p *Provider) Prepare(ctx context.Context) error {
	if err := p.net.Verify(ctx); err != nil {
		return err
	}
	if err := p.net.WriteConfList(); err != nil {
		return err
	}
	return EnsureIPForwarding()
}

// Start boots a worker microVM named ref.Name. Starting a running instance
// is a no-op.
func (p *Provider) Start(ctx context.Context, ref compute.InstanceRef) error {
	name := ref.Name
	p.mu.Lock()
	if _, ok := p.vms[name]; ok {
		p.mu.Unlock()
		return nil
	}
	p.vms[name] = nil // reserve
	p.mu.Unlock()

	st, err := p.boot(ctx, name)
	p.mu.Lock()
	if err != nil {
		delete(p.vms, name)
	} else {
		p.vms[name] = st
	}
	p.mu.Unlock()
	if err != nil {
		return &compute.ProviderError{Op: "start", Instance: name, Err: err}
	}
	go p.watch(name, st)
	return nil
}

// watch waits for the VM process to exit on its own, as it does when the
// guest worker returns and halts. The instance is dropped and its network
// and files released so State reports stopped. Exits caused by Stop or
// Shutdown are left to them.
func (p *Provider) watch(name string, st *vmState) {
	err := st.machine.Wait(p.vmCtx)
	if p.vmCtx.Err() != nil {
		return
	}

	p.mu.Lock()
	owned := p.vms[name] == st
	if owned {
		delete(p.vms, name)
	}
	p.mu.Unlock()
	if !owned {
		return
	}

	vmExitsTotal.Inc()
	p.logger.Warn("worker vm exited", "instance", name, "error", err, "uptime", time.Since(st.started).String())
	p.release(name, st)
}

func (p *Provider) boot(ctx context.Context, name string) (*vmState, error) {
	start := time.Now()

	netCfg, err := p.net.Setup(ctx, name)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "sandbox-vm-"+name+"-")
	if err != nil {
		p.teardownNetwork(name)
		return nil, fmt.Errorf("create vm dir: %w", err)
	}
	cleanup := func() {
		p.teardownNetwork(name)
		os.RemoveAll(dir)
	}

	rootfs := filepath.Join(dir, "rootfs.ext4")
	if err := copyRootfs(p.cfg.RootfsPath, rootfs); err != nil {
		cleanup()
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	fcCfg, err := p.machineConfig(name, dir, rootfs, netCfg)
	if err != nil {
		cleanup()
		return nil, err
	}

	m, err := p.newVM(p.vmCtx, fcCfg)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("create machine: %w", err)
	}
	if err := m.Start(p.vmCtx); err != nil {
		m.StopVMM()
		cleanup()
		return nil, fmt.Errorf("start vm: %w", err)
	}

	activeVMs.Inc()
	vmBootDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("worker vm started",
		"instance", name,
		"guest_ip", netCfg.GuestIP,
		"vcpus", p.cfg.VCPUs,
		"mem_mb", p.cfg.MemMB,
	)
	return &vmState{machine: m, net: netCfg, dir: dir, started: time.Now()}, nil
}

// Stop shuts the microVM down and releases its network and files. Stopping
// an unknown instance is a no-op.
func (p *Provider) Stop(ctx context.Context, ref compute.InstanceRef) error {
	p.mu.Lock()
	st, ok := p.vms[ref.Name]
	if !ok || st == nil {
		p.mu.Unlock()
		return nil
	}
	delete(p.vms, ref.Name)
	p.mu.Unlock()

	p.stopAndCleanup(ref.Name, st)
	return nil
}

// State reports running for booted VMs, starting while boot is in progress
// and stopped otherwise.
func (p *Provider) State(_ context.Context, ref compute.InstanceRef) (compute.PowerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.vms[ref.Name]
	switch {
	case !ok:
		return compute.StateStopped, nil
	case st == nil:
		return compute.StateStarting, nil
	default:
		return compute.StateRunning, nil
	}
}

// Shutdown stops every VM and tears down networking.
func (p *Provider) Shutdown(ctx context.Context) {
	p.mu.Lock()
	vms := make(map[string]*vmState, len(p.vms))
	for name, st := range p.vms {
		if st != nil {
			vms[name] = st
			delete(p.vms, name)
		}
	}
	p.mu.Unlock()

	for name, st := range vms {
		p.stopAndCleanup(name, st)
	}
	p.net.TeardownAll(ctx)
	p.cancelVM()
}

// machineConfig builds the SDK configuration for one worker VM.
func (p *Provider) machineConfig(name, dir, rootfs string, netCfg *NetworkConfig) (fcsdk.Config, error) {
	args, err := p.kernelArgs(name, netCfg)
	if err != nil {
		return fcsdk.Config{}, err
	}
	mac := netCfg.MACAddress
	if mac == "" {
		mac = GenerateMAC(name).String()
	}

	return fcsdk.Config{
		SocketPath:      filepath.Join(dir, vmSocketName),
		KernelImagePath: p.cfg.KernelPath,
		KernelArgs:      args,
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(rootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		NetworkInterfaces: fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  mac,
				HostDevName: netCfg.TAPDevice,
			},
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(p.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(p.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  name,
	}, nil
}

// kernelArgs appends the guest network and worker settings to the boot
// arguments. The kernel hands unrecognised key=value pairs to init as
// environment variables.
func (p *Provider) kernelArgs(name string, netCfg *NetworkConfig) (string, error) {
	ipArg, err := netCfg.KernelIPArg()
	if err != nil {
		return "", err
	}
	args := []string{
		baseBootArgs,
		ipArg,
		"SANDBOX_WORKER_ID=" + name,
		"SANDBOX_WORKER_ENDPOINT=" + p.cfg.WorkerEndpoint,
	}
	if p.cfg.WorkerToken != "" {
		args = append(args, "SANDBOX_WORKER_TOKEN="+p.cfg.WorkerToken)
	}
	for _, a := range args[2:] {
		if strings.ContainsAny(a, " \t\n\"") {
			return "", fmt.Errorf("kernel argument %q contains whitespace or quotes", strings.SplitN(a, "=", 2)[0])
		}
	}
	return strings.Join(args, " "), nil
}

func (p *Provider) newMachine(ctx context.Context, cfg fcsdk.Config) (machine, error) {
	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(p.cfg.FirecrackerBin).
		WithSocketPath(cfg.SocketPath).
		Build(ctx)
	return fcsdk.NewMachine(ctx, cfg,
		fcsdk.WithLogger(p.sdkLog.WithField("instance", cfg.VMID)),
		fcsdk.WithProcessRunner(cmd),
	)
}

// stopAndCleanup stops a VM and releases its resources. It uses fresh
// contexts so cleanup completes after the caller's context is cancelled.
func (p *Provider) stopAndCleanup(name string, st *vmState) {
	start := time.Now()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := st.machine.Shutdown(shutdownCtx); err != nil {
		p.logger.Debug("graceful shutdown failed, forcing stop", "instance", name, "error", err)
		if err := st.machine.StopVMM(); err != nil {
			p.logger.Debug("StopVMM failed", "instance", name, "error", err)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := st.machine.Wait(waitCtx); err != nil {
		p.logger.Debug("vm did not exit cleanly", "instance", name, "error", err)
	}

	p.release(name, st)
	vmCleanupDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("worker vm stopped", "instance", name, "uptime", time.Since(st.started).String())
}

// release frees the network and files of a VM that is no longer running.
func (p *Provider) release(name string, st *vmState) {
	activeVMs.Dec()
	p.teardownNetwork(name)
	if st.dir != "" {
		os.RemoveAll(st.dir)
	}
}

func (p *Provider) teardownNetwork(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := p.net.Teardown(ctx, name); err != nil {
		p.logger.Warn("network teardown failed", "instance", name, "error", err)
	}
}

// copyRootfs copies the rootfs image, using copy-on-write when the
// filesystem supports it.
func copyRootfs(src, dst string) error {
	if out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// GenerateMAC derives a locally administered unicast MAC from the VM name.
func GenerateMAC(name string) net.HardwareAddr {
	var h uint32
	for _, b := range []byte(name) {
		h = h*31 + uint32(b)
	}
	return net.HardwareAddr{0x02, byte(h >> 24), byte(h >> 16), byte(h >> 8), byte(h), byte(h >> 12)}
}
