// Package container wraps a container engine binary (podman preferred,
// docker fallback) for pulling images and managing IOC container lifecycles.
package container

import (
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"
)

// RuntimeKind identifies the container engine binary in use.
type RuntimeKind string

const (
	RuntimePodman RuntimeKind = "podman"
	RuntimeDocker RuntimeKind = "docker"
)

// HealthCheck describes the readiness probe for a container.
type HealthCheck struct {
	Command string
	Timeout time.Duration
	Retries int
}

// Spec is the launch description for one container. It is built from
// configuration at startup and never mutated afterwards.
type Spec struct {
	Name           string
	Image          string
	Ports          map[string]string // host -> container
	Environment    map[string]string
	Volumes        map[string]string // host path -> container path
	Command        string
	Args           []string
	Options        []string
	HealthCheck    *HealthCheck
	StartupTimeout time.Duration
}

// Validate checks the spec's identity and image reference.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("container spec requires a name")
	}
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("container %q requires an image", s.Name)
	}
	if _, err := reference.ParseNormalizedNamed(s.Image); err != nil {
		return fmt.Errorf("container %q: invalid image reference %q: %w", s.Name, s.Image, err)
	}
	if s.StartupTimeout < 0 {
		return fmt.Errorf("container %q: startup timeout must be >= 0", s.Name)
	}
	return nil
}

// LocalTag reduces a fully qualified image reference to its local repository
// tag, e.g. ghcr.io/bcda-aps/epics-podman:latest -> epics-podman:latest.
// Used when a registry lookup fails but a local image of the same name is
// expected to exist.
func LocalTag(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", image, err)
	}
	path := reference.Path(named)
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		path = path[idx+1:]
	}
	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	return path + ":" + tag, nil
}

// DefaultSpecs returns the two built-in demo IOC containers used when the
// configuration supplies none: the area-detector simulation IOC and the
// general-purpose IOC.
func DefaultSpecs() map[string]Spec {
	return map[string]Spec{
		"adsim_ioc": {
			Name:    "adsim_ioc",
			Image:   "epics-podman:latest",
			Args:    []string{"adsim"},
			Options: []string{"--net=host", "-d"},
			Environment: map[string]string{
				"IOC_PREFIX": "adsim:",
				"IOC_NAME":   "adsim_ioc",
			},
			HealthCheck: &HealthCheck{
				Command: "caget adsim:cam1:Acquire_RBV",
				Timeout: 10 * time.Second,
				Retries: 3,
			},
			StartupTimeout: 90 * time.Second,
		},
		"gp_ioc": {
			Name:  "gp_ioc",
			Image: "ghcr.io/epics-containers/ioc-gp:latest",
			Ports: map[string]string{
				"5066": "5064",
				"5067": "5065",
			},
			Environment: map[string]string{
				"IOC_PREFIX": "gp:",
				"IOC_NAME":   "gp_ioc",
			},
			HealthCheck: &HealthCheck{
				Command: "caget gp:m1.RBV",
				Timeout: 10 * time.Second,
				Retries: 3,
			},
			StartupTimeout: 60 * time.Second,
		},
	}
}
