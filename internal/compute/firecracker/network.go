package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Bridge network shared by all worker microVMs.
const (
	DefaultBridgeName = "sbxbr0"
	DefaultSubnet     = "10.169.0.0/24"
	DefaultGateway    = "10.169.0.1"

	CNINetworkName = "sandbox-workers"
	CNIVersion     = "1.0.0"
	CNIIfName      = "eth0"
	CNICacheDir    = "/var/lib/cni/cache"

	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "sandbox-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig is the result of attaching one microVM to the bridge.
type NetworkConfig struct {
	TAPDevice     string
	GuestIP       string // CIDR notation
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// KernelIPArg returns the kernel "ip=" parameter that configures the guest
// interface statically at boot.
func (c *NetworkConfig) KernelIPArg() (string, error) {
	ip, ipNet, err := net.ParseCIDR(c.GuestIP)
	if err != nil {
		return "", fmt.Errorf("parse guest ip %q: %w", c.GuestIP, err)
	}
	mask := net.IP(ipNet.Mask).String()
	return fmt.Sprintf("ip=%s::%s:%s::%s:off", ip, c.GatewayIP, mask, CNIIfName), nil
}

// cniRunner is the subset of libcni used for attach and detach.
type cniRunner interface {
	AddNetworkList(ctx context.Context, net *libcni.NetworkConfigList, rt *libcni.RuntimeConf) (types.Result, error)
	DelNetworkList(ctx context.Context, net *libcni.NetworkConfigList, rt *libcni.RuntimeConf) error
	ValidateNetworkList(ctx context.Context, net *libcni.NetworkConfigList) ([]string, error)
}

// NetworkManager attaches worker microVMs to the CNI bridge, one network
// namespace per VM.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cni           cniRunner
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // vm name → namespace path
}

// NewNetworkManager parses the bridge conflist and prepares the CNI runner.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     cfg.CNIBinDir,
		cniConfigDir:  cfg.CNIConfigDir,
		cni:           libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		namespaces:    make(map[string]string),
	}, nil
}

// Setup creates the VM's namespace and runs CNI ADD in it.
func (nm *NetworkManager) Setup(ctx context.Context, vm string) (*NetworkConfig, error) {
	nsName := NetNSPrefix + vm
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}
	nm.mu.Lock()
	nm.namespaces[vm] = nsPath
	nm.mu.Unlock()

	rt := &libcni.RuntimeConf{ContainerID: vm, NetNS: nsPath, IfName: CNIIfName}
	result, err := nm.cni.AddNetworkList(ctx, nm.confList, rt)
	if err == nil {
		var netCfg *NetworkConfig
		netCfg, err = parseResult(result, nsPath)
		if err == nil {
			nm.logger.Info("network attached", "instance", vm, "tap", netCfg.TAPDevice, "guest_ip", netCfg.GuestIP)
			return netCfg, nil
		}
		if delErr := nm.cni.DelNetworkList(ctx, nm.confList, rt); delErr != nil {
			nm.logger.Debug("CNI DEL after bad result", "instance", vm, "error", delErr)
		}
	}

	if nsErr := deleteNetNS(nsName); nsErr != nil {
		nm.logger.Warn("netns cleanup failed", "instance", vm, "error", nsErr)
	}
	nm.mu.Lock()
	delete(nm.namespaces, vm)
	nm.mu.Unlock()
	return nil, fmt.Errorf("attach %s: %w", vm, err)
}

// Teardown runs CNI DEL and removes the namespace. Repeated calls are no-ops.
func (nm *NetworkManager) Teardown(ctx context.Context, vm string) error {
	nm.mu.Lock()
	nsPath, ok := nm.namespaces[vm]
	delete(nm.namespaces, vm)
	nm.mu.Unlock()
	if !ok {
		return nil
	}

	rt := &libcni.RuntimeConf{ContainerID: vm, NetNS: nsPath, IfName: CNIIfName}
	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.confList, rt); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", vm, err))
	}
	if err := deleteNetNS(NetNSPrefix + vm); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", vm, err))
	}
	return errors.Join(errs...)
}

// TeardownAll detaches every tracked VM.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	vms := make([]string, 0, len(nm.namespaces))
	for vm := range nm.namespaces {
		vms = append(vms, vm)
	}
	nm.mu.Unlock()

	for _, vm := range vms {
		if err := nm.Teardown(ctx, vm); err != nil {
			nm.logger.Error("network teardown failed", "instance", vm, "error", err)
		}
	}
}

// Verify checks that the required plugins exist and that libcni accepts the
// conflist against them.
func (nm *NetworkManager) Verify(ctx context.Context) error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}

	if _, err := nm.cni.ValidateNetworkList(ctx, nm.confList); err != nil {
		return fmt.Errorf("validate CNI conflist: %w", err)
	}
	return nil
}

// WriteConfList writes the conflist so CNI tooling on the host can see it.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns the bridge + tc-redirect-tap conflist.
func generateConfList() ([]byte, error) {
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the TAP device and guest address out of a CNI ADD
// result. tc-redirect-tap adds the TAP next to the veth, so the interface
// named CNIIfName is only used when no other sandboxed interface exists.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	cfg := &NetworkConfig{NamespacePath: nsPath}
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			cfg.TAPDevice, cfg.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if cfg.TAPDevice == "" && fallback != nil {
		cfg.TAPDevice, cfg.MACAddress = fallback.Name, fallback.Mac
	}
	if cfg.TAPDevice == "" {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, fmt.Errorf("no IP address in CNI result")
	}
	cfg.GuestIP = res.IPs[0].Address.String()
	if res.IPs[0].Gateway != nil {
		cfg.GatewayIP = res.IPs[0].Gateway.String()
	}
	return cfg, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// deleteNetNS removes a namespace; a missing namespace is not an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnsureIPForwarding enables IPv4 forwarding so guests can reach the
// dispatch server through the bridge NAT.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
