// Package autoscaler assembles the instance controller from configuration.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/sandbox/internal/compute"
	"github.com/seantiz/sandbox/internal/compute/firecracker"
	"github.com/seantiz/sandbox/internal/config"
)

// Provider names accepted in autoscaling.provider.
const (
	ProviderGCE         = "gce"
	ProviderFirecracker = "firecracker"
)

// Refs parses the configured instance list.
func Refs(cfg config.Autoscaling) ([]compute.InstanceRef, error) {
	refs := make([]compute.InstanceRef, 0, len(cfg.Instances))
	for _, s := range cfg.Instances {
		ref, err := compute.ParseInstanceRef(s, cfg.Project, cfg.Zone)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// NewProvider builds the configured provider. The returned func releases
// provider resources and is never nil.
func NewProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (compute.Provider, func(), error) {
	switch cfg.Autoscaling.Provider {
	case ProviderGCE:
		key, err := compute.DecodeKey(cfg.Autoscaling.GCPKey)
		if err != nil {
			return nil, func() {}, err
		}
		ts, err := compute.TokenSource(ctx, key)
		if err != nil {
			return nil, func() {}, err
		}
		p, err := compute.NewGCEProvider(ctx, ts)
		if err != nil {
			return nil, func() {}, err
		}
		return p, func() {}, nil

	case ProviderFirecracker:
		fcCfg := firecracker.LoadConfig()
		if fcCfg.WorkerToken == "" {
			fcCfg.WorkerToken = cfg.Server.WorkerToken
		}
		p, err := firecracker.NewProvider(fcCfg, logger.With("provider", ProviderFirecracker))
		if err != nil {
			return nil, func() {}, err
		}
		if err := p.Prepare(ctx); err != nil {
			return nil, func() {}, fmt.Errorf("prepare firecracker host: %w", err)
		}
		return p, func() { p.Shutdown(context.Background()) }, nil

	default:
		return nil, func() {}, fmt.Errorf("unknown autoscaling provider %q", cfg.Autoscaling.Provider)
	}
}

// NewController builds the provider and a controller over the configured
// instances.
func NewController(ctx context.Context, cfg config.Config, demand compute.DemandSource, logger *slog.Logger) (*compute.Controller, func(), error) {
	refs, err := Refs(cfg.Autoscaling)
	if err != nil {
		return nil, func() {}, err
	}
	provider, cleanup, err := NewProvider(ctx, cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}
	ctrl := compute.NewController(compute.ControllerConfig{
		Instances:      refs,
		Interval:       cfg.Autoscaling.Interval,
		StartThreshold: cfg.Autoscaling.StartThreshold,
		Cooldown:       cfg.Autoscaling.Cooldown,
	}, provider, demand, logger.With("component", "autoscaler"))
	return ctrl, cleanup, nil
}
