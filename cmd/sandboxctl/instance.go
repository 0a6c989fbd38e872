package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/sandbox/internal/autoscaler"
	"github.com/seantiz/sandbox/internal/compute"
	"github.com/seantiz/sandbox/internal/config"
)

func newInstanceCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Start, stop or inspect worker instances",
	}
	cmd.AddCommand(
		instanceAction(g, "start", "Start an instance", func(ctx context.Context, c *compute.Controller, p compute.Provider, ref compute.InstanceRef) (string, error) {
			return string(compute.StateStarting), c.StartInstance(ctx, ref)
		}),
		instanceAction(g, "stop", "Stop an instance", func(ctx context.Context, c *compute.Controller, p compute.Provider, ref compute.InstanceRef) (string, error) {
			return string(compute.StateStopping), c.StopInstance(ctx, ref)
		}),
		instanceAction(g, "status", "Show an instance's power state", func(ctx context.Context, _ *compute.Controller, p compute.Provider, ref compute.InstanceRef) (string, error) {
			s, err := p.State(ctx, ref)
			return string(s), err
		}),
	)
	return cmd
}

type instanceFunc func(ctx context.Context, c *compute.Controller, p compute.Provider, ref compute.InstanceRef) (string, error)

func instanceAction(g *globalFlags, use, short string, fn instanceFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <instance>",
		Short: short,
		Long:  short + ". The instance is a name in the configured project and zone, or project/zone/name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if cfg.Autoscaling.Provider == autoscaler.ProviderFirecracker {
				return fmt.Errorf("firecracker instances live inside the server process and cannot be managed from the command line")
			}
			ref, err := compute.ParseInstanceRef(args[0], cfg.Autoscaling.Project, cfg.Autoscaling.Zone)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()

			logger := config.NewLogger(os.Stderr, cfg.Level())
			provider, cleanup, err := autoscaler.NewProvider(ctx, cfg, logger)
			defer cleanup()
			if err != nil {
				return err
			}
			ctrl := compute.NewController(compute.ControllerConfig{
				Instances: []compute.InstanceRef{ref},
			}, provider, nil, logger)

			result, err := fn(ctx, ctrl, provider, ref)
			if err != nil {
				return fmt.Errorf("%s %s: %w", use, ref, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref, result)
			return nil
		},
	}
}
