package compute

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	computeapi "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCEProvider manages Compute Engine instances.
type GCEProvider struct {
	svc *computeapi.Service
}

// NewGCEProvider creates a provider authenticated by ts. Extra client options
// are passed to the API client.
func NewGCEProvider(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*GCEProvider, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	svc, err := computeapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}
	return &GCEProvider{svc: svc}, nil
}

// Start requests that the instance be started. The returned operation is not
// awaited.
func (p *GCEProvider) Start(ctx context.Context, ref InstanceRef) error {
	_, err := p.svc.Instances.Start(ref.Project, ref.Zone, ref.Name).Context(ctx).Do()
	return providerErr("start", ref, err)
}

// Stop requests that the instance be stopped. The returned operation is not
// awaited.
func (p *GCEProvider) Stop(ctx context.Context, ref InstanceRef) error {
	_, err := p.svc.Instances.Stop(ref.Project, ref.Zone, ref.Name).Context(ctx).Do()
	return providerErr("stop", ref, err)
}

// State returns the instance's power state.
func (p *GCEProvider) State(ctx context.Context, ref InstanceRef) (PowerState, error) {
	inst, err := p.svc.Instances.Get(ref.Project, ref.Zone, ref.Name).Context(ctx).Do()
	if err != nil {
		return StateUnknown, providerErr("get", ref, err)
	}
	return gceState(inst.Status), nil
}

// gceState maps Compute Engine instance statuses to power states.
func gceState(status string) PowerState {
	switch status {
	case "RUNNING":
		return StateRunning
	case "PROVISIONING", "STAGING":
		return StateStarting
	case "STOPPING", "SUSPENDING":
		return StateStopping
	case "TERMINATED", "STOPPED", "SUSPENDED":
		return StateStopped
	default:
		return StateUnknown
	}
}

func providerErr(op string, ref InstanceRef, err error) error {
	if err == nil {
		return nil
	}
	pe := &ProviderError{Op: op, Instance: ref.String(), Err: err}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		pe.StatusCode = gerr.Code
		if gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden {
			pe.Err = fmt.Errorf("%w: %w", ErrAuth, err)
		}
	}
	return pe
}
