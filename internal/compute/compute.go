package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PowerState is the observed state of an instance.
type PowerState string

const (
	StateStopped  PowerState = "stopped"
	StateStarting PowerState = "starting"
	StateRunning  PowerState = "running"
	StateStopping PowerState = "stopping"
	StateUnknown  PowerState = "unknown"
)

// Active reports whether the instance is running or on its way there.
func (s PowerState) Active() bool {
	return s == StateRunning || s == StateStarting
}

// ErrAuth is returned when credential material is malformed or the token
// endpoint rejects it.
var ErrAuth = errors.New("compute authentication failed")

// ProviderError is a non-success response from the provider's management API.
type ProviderError struct {
	Op         string
	Instance   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Instance, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Instance, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// InstanceRef identifies one manageable instance.
type InstanceRef struct {
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
	Zone    string `json:"zone,omitempty" yaml:"zone,omitempty"`
	Name    string `json:"name" yaml:"name"`
}

func (r InstanceRef) String() string {
	if r.Project == "" && r.Zone == "" {
		return r.Name
	}
	return r.Project + "/" + r.Zone + "/" + r.Name
}

// ParseInstanceRef parses "project/zone/name" or a bare name. A bare name
// takes project and zone from the defaults.
func ParseInstanceRef(s, defaultProject, defaultZone string) (InstanceRef, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return InstanceRef{Project: defaultProject, Zone: defaultZone, Name: parts[0]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "":
		return InstanceRef{Project: parts[0], Zone: parts[1], Name: parts[2]}, nil
	default:
		return InstanceRef{}, fmt.Errorf("invalid instance reference %q: want name or project/zone/name", s)
	}
}

// Instance is an instance together with its last observed state.
type Instance struct {
	Ref   InstanceRef `json:"ref"`
	State PowerState  `json:"state"`
}

// Provider manages instances at a compute provider. Start and Stop return
// once the request is accepted; they do not wait for the transition.
type Provider interface {
	Start(ctx context.Context, ref InstanceRef) error
	Stop(ctx context.Context, ref InstanceRef) error
	State(ctx context.Context, ref InstanceRef) (PowerState, error)
}
