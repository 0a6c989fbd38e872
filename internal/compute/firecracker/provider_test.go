package firecracker

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/sandbox/internal/compute"
)

type fakeMachine struct {
	shutdownErr error
	shutdown    bool
	stopped     bool
	waited      bool
}

func (m *fakeMachine) Start(context.Context) error { return nil }

func (m *fakeMachine) Shutdown(context.Context) error {
	m.shutdown = true
	return m.shutdownErr
}

func (m *fakeMachine) StopVMM() error {
	m.stopped = true
	return nil
}

func (m *fakeMachine) Wait(context.Context) error {
	m.waited = true
	return nil
}

func newTestProvider(t *testing.T) (*Provider, *fakeCNI) {
	t.Helper()
	cfg := LoadConfig()
	cfg.CNIBinDir = t.TempDir()
	cfg.CNIConfigDir = t.TempDir()
	cfg.WorkerToken = "worker-secret"

	p, err := NewProvider(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	cni := &fakeCNI{}
	p.net.cni = cni
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, cni
}

var workerRef = compute.InstanceRef{Name: "worker-1"}

func TestKernelArgs(t *testing.T) {
	p, _ := newTestProvider(t)
	netCfg := &NetworkConfig{GuestIP: "10.169.0.5/24", GatewayIP: "10.169.0.1"}

	got, err := p.kernelArgs("worker-1", netCfg)
	if err != nil {
		t.Fatalf("kernelArgs: %v", err)
	}
	for _, want := range []string{
		"init=" + GuestWorkerPath,
		"ip=10.169.0.5::10.169.0.1:255.255.255.0::eth0:off",
		"SANDBOX_WORKER_ID=worker-1",
		"SANDBOX_WORKER_ENDPOINT=" + p.cfg.WorkerEndpoint,
		"SANDBOX_WORKER_TOKEN=worker-secret",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("kernel args %q missing %q", got, want)
		}
	}

	p.cfg.WorkerToken = "has space"
	if _, err := p.kernelArgs("worker-1", netCfg); err == nil {
		t.Error("kernelArgs accepted token with whitespace")
	}
}

func TestMachineConfig(t *testing.T) {
	p, _ := newTestProvider(t)
	p.cfg.KernelPath = "/opt/vmlinux"
	netCfg := &NetworkConfig{
		TAPDevice:     "tap0",
		GuestIP:       "10.169.0.5/24",
		GatewayIP:     "10.169.0.1",
		NamespacePath: "/var/run/netns/sandbox-worker-1",
	}

	cfg, err := p.machineConfig("worker-1", "/tmp/vm", "/tmp/vm/rootfs.ext4", netCfg)
	if err != nil {
		t.Fatalf("machineConfig: %v", err)
	}
	if cfg.KernelImagePath != "/opt/vmlinux" || cfg.VMID != "worker-1" || cfg.NetNS != netCfg.NamespacePath {
		t.Errorf("config = %+v", cfg)
	}
	if *cfg.MachineCfg.VcpuCount != int64(DefaultVCPUs) || *cfg.MachineCfg.MemSizeMib != int64(DefaultMemMB) {
		t.Errorf("machine = %+v", cfg.MachineCfg)
	}
	if len(cfg.Drives) != 1 || *cfg.Drives[0].PathOnHost != "/tmp/vm/rootfs.ext4" {
		t.Errorf("drives = %+v", cfg.Drives)
	}
	iface := cfg.NetworkInterfaces[0].StaticConfiguration
	if iface.HostDevName != "tap0" || iface.MacAddress != GenerateMAC("worker-1").String() {
		t.Errorf("interface = %+v", iface)
	}
}

func TestProviderStateAndStop(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	if s, _ := p.State(ctx, workerRef); s != compute.StateStopped {
		t.Errorf("State = %s, want stopped", s)
	}

	p.vms["worker-1"] = nil
	if s, _ := p.State(ctx, workerRef); s != compute.StateStarting {
		t.Errorf("State while booting = %s, want starting", s)
	}

	m := &fakeMachine{shutdownErr: errors.New("no ACPI")}
	p.vms["worker-1"] = &vmState{machine: m, dir: t.TempDir(), started: time.Now()}
	if s, _ := p.State(ctx, workerRef); s != compute.StateRunning {
		t.Errorf("State = %s, want running", s)
	}
	activeVMs.Inc()

	if err := p.Stop(ctx, workerRef); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !m.shutdown || !m.stopped || !m.waited {
		t.Errorf("machine = %+v, want shutdown, forced stop and wait", m)
	}
	if s, _ := p.State(ctx, workerRef); s != compute.StateStopped {
		t.Errorf("State after stop = %s, want stopped", s)
	}
	if err := p.Stop(ctx, workerRef); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestProviderReleasesExitedVM(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	dir := t.TempDir()
	m := &fakeMachine{}
	st := &vmState{machine: m, dir: dir, started: time.Now()}
	p.vms["worker-1"] = st
	activeVMs.Inc()
	active := testutil.ToFloat64(activeVMs)
	exits := testutil.ToFloat64(vmExitsTotal)

	p.watch("worker-1", st)

	if s, _ := p.State(ctx, workerRef); s != compute.StateStopped {
		t.Errorf("State after guest exit = %s, want stopped", s)
	}
	if got := testutil.ToFloat64(activeVMs); got != active-1 {
		t.Errorf("active VMs = %v, want %v", got, active-1)
	}
	if got := testutil.ToFloat64(vmExitsTotal); got != exits+1 {
		t.Errorf("exits = %v, want %v", got, exits+1)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("vm dir still present: %v", err)
	}
	if m.shutdown || m.stopped {
		t.Errorf("machine = %+v, want no shutdown of an exited VM", m)
	}

	// Stop after the exit is a no-op.
	if err := p.Stop(ctx, workerRef); err != nil {
		t.Errorf("Stop after exit = %v, want nil", err)
	}
	if got := testutil.ToFloat64(activeVMs); got != active-1 {
		t.Errorf("active VMs after Stop = %v, want %v", got, active-1)
	}
}

func TestProviderWatchIgnoresStoppedVM(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	m := &fakeMachine{}
	st := &vmState{machine: m, dir: t.TempDir(), started: time.Now()}
	p.vms["worker-1"] = st
	activeVMs.Inc()

	if err := p.Stop(ctx, workerRef); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	active := testutil.ToFloat64(activeVMs)
	exits := testutil.ToFloat64(vmExitsTotal)

	// A restart under the same name must not be dropped by the old watcher.
	next := &vmState{machine: &fakeMachine{}, started: time.Now()}
	p.vms["worker-1"] = next
	p.watch("worker-1", st)

	if s, _ := p.State(ctx, workerRef); s != compute.StateRunning {
		t.Errorf("State = %s, want running for the new VM", s)
	}
	if got := testutil.ToFloat64(activeVMs); got != active {
		t.Errorf("active VMs = %v, want %v", got, active)
	}
	if got := testutil.ToFloat64(vmExitsTotal); got != exits {
		t.Errorf("exits = %v, want %v", got, exits)
	}
	delete(p.vms, "worker-1")
}

func TestProviderStartAlreadyRunning(t *testing.T) {
	p, _ := newTestProvider(t)
	p.vms["worker-1"] = &vmState{machine: &fakeMachine{}, started: time.Now()}
	activeVMs.Inc()

	if err := p.Start(context.Background(), workerRef); err != nil {
		t.Errorf("Start of running instance = %v, want nil", err)
	}
}

func TestGenerateMAC(t *testing.T) {
	a, b := GenerateMAC("worker-1"), GenerateMAC("worker-2")
	if len(a) != 6 || a[0] != 0x02 {
		t.Errorf("MAC = %s, want locally administered unicast", a)
	}
	if a.String() != GenerateMAC("worker-1").String() {
		t.Error("GenerateMAC is not deterministic")
	}
	if a.String() == b.String() {
		t.Errorf("different names share MAC %s", a)
	}
}
