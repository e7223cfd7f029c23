package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beamtutor/beamtutor/internal/procexec"
)

// ErrNoRuntime reports that neither podman nor docker responded to a version
// probe. This is fatal: no container operation can proceed without an engine.
var ErrNoRuntime = errors.New("no container runtime available (podman or docker)")

const (
	detectTimeout   = 10 * time.Second
	pullTimeout     = 300 * time.Second
	defaultPoll     = 2 * time.Second
	defaultStartup  = 60 * time.Second
	defaultHCTime   = 10 * time.Second
	defaultLogLines = 50
)

// Detect probes the container engines by invoking their version command and
// returns the first responsive one. preferPodman controls probe order.
func Detect(ctx context.Context, runner procexec.Runner, preferPodman bool) (RuntimeKind, error) {
	order := []RuntimeKind{RuntimePodman, RuntimeDocker}
	if !preferPodman {
		order = []RuntimeKind{RuntimeDocker, RuntimePodman}
	}
	for _, kind := range order {
		res := runner.Run(ctx, procexec.Command{
			Argv:    []string{string(kind), "--version"},
			Timeout: detectTimeout,
		})
		if res.OK() {
			return kind, nil
		}
	}
	return "", ErrNoRuntime
}

// Options configures an Adapter.
type Options struct {
	Runner       procexec.Runner
	Logger       *log.Logger
	PollInterval time.Duration
}

// Adapter drives one container engine binary. It exclusively owns the
// registry of managed containers; no other component mutates it. Host-level
// container state is always re-queried, never cached beyond a single check.
type Adapter struct {
	runtime RuntimeKind
	runner  procexec.Runner
	logger  *log.Logger
	poll    time.Duration

	mu      sync.Mutex
	specs   map[string]Spec
	managed map[string]ManagedContainer
}

// ManagedContainer is the runtime record for a container this adapter
// started and confirmed ready.
type ManagedContainer struct {
	Name    string      `json:"name"`
	Image   string      `json:"image"`
	Status  string      `json:"status"`
	Created time.Time   `json:"created"`
	Runtime RuntimeKind `json:"runtime"`
}

// NewAdapter builds an adapter over a detected runtime.
func NewAdapter(kind RuntimeKind, opts Options) *Adapter {
	if opts.Runner == nil {
		opts.Runner = procexec.ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPoll
	}
	return &Adapter{
		runtime: kind,
		runner:  opts.Runner,
		logger:  opts.Logger,
		poll:    opts.PollInterval,
		specs:   map[string]Spec{},
		managed: map[string]ManagedContainer{},
	}
}

// Runtime returns the engine the adapter drives.
func (a *Adapter) Runtime() RuntimeKind { return a.runtime }

// Start launches a container from spec, then polls running state (and the
// health check when configured) until ready or the startup timeout elapses.
// It never retries internally; retrying is the orchestrator's job. On any
// failure the container is not registered.
func (a *Adapter) Start(ctx context.Context, spec Spec) bool {
	a.mu.Lock()
	a.specs[spec.Name] = spec
	a.mu.Unlock()

	argv := a.runArgv(spec)
	a.logger.Printf("container_start name=%s cmd=%q", spec.Name, strings.Join(argv, " "))

	res := a.runner.Run(ctx, procexec.Command{Argv: argv})
	if !res.OK() {
		a.logger.Printf("container_start_failed name=%s error=%q", spec.Name, res.ErrorText())
		return false
	}

	if !a.waitReady(ctx, spec) {
		a.logger.Printf("container_not_ready name=%s timeout=%s", spec.Name, startupTimeout(spec))
		return false
	}

	info, err := a.Inspect(ctx, spec.Name)
	if err != nil {
		// Readiness was confirmed; register with what we know.
		info = &ManagedContainer{Name: spec.Name, Image: spec.Image, Status: "running", Runtime: a.runtime}
	}
	a.mu.Lock()
	a.managed[spec.Name] = *info
	a.mu.Unlock()
	return true
}

func (a *Adapter) runArgv(spec Spec) []string {
	argv := []string{string(a.runtime), "run", "--name", spec.Name}
	if len(spec.Options) > 0 {
		argv = append(argv, spec.Options...)
	} else {
		argv = append(argv, "-d")
	}
	hostNet := false
	for _, opt := range spec.Options {
		if opt == "--net=host" {
			hostNet = true
		}
	}
	if !hostNet {
		for _, host := range sortedKeys(spec.Ports) {
			argv = append(argv, "-p", host+":"+spec.Ports[host])
		}
	}
	for _, k := range sortedKeys(spec.Environment) {
		argv = append(argv, "-e", k+"="+spec.Environment[k])
	}
	for _, host := range sortedKeys(spec.Volumes) {
		argv = append(argv, "-v", host+":"+spec.Volumes[host])
	}
	argv = append(argv, spec.Image)
	if len(spec.Args) > 0 {
		argv = append(argv, spec.Args...)
	} else if spec.Command != "" {
		argv = append(argv, strings.Fields(spec.Command)...)
	}
	return argv
}

func (a *Adapter) waitReady(ctx context.Context, spec Spec) bool {
	deadline := time.Now().Add(startupTimeout(spec))
	for time.Now().Before(deadline) {
		if a.IsRunning(ctx, spec.Name) {
			if spec.HealthCheck == nil || a.CheckHealth(ctx, spec) {
				return true
			}
		}
		if err := sleepCtx(ctx, a.poll); err != nil {
			return false
		}
	}
	return false
}

// Stop stops a container, best effort.
func (a *Adapter) Stop(ctx context.Context, name string) bool {
	res := a.runner.Run(ctx, procexec.Command{Argv: []string{string(a.runtime), "stop", name}})
	if !res.OK() {
		a.logger.Printf("container_stop_failed name=%s error=%q", name, res.ErrorText())
		return false
	}
	a.mu.Lock()
	delete(a.managed, name)
	a.mu.Unlock()
	return true
}

// Remove stops (best effort) and removes a container.
func (a *Adapter) Remove(ctx context.Context, name string) bool {
	a.Stop(ctx, name)
	res := a.runner.Run(ctx, procexec.Command{Argv: []string{string(a.runtime), "rm", name}})
	a.mu.Lock()
	delete(a.managed, name)
	a.mu.Unlock()
	if !res.OK() {
		a.logger.Printf("container_remove_failed name=%s error=%q", name, res.ErrorText())
		return false
	}
	return true
}

// Restart removes the container and starts it again from the stored spec.
func (a *Adapter) Restart(ctx context.Context, name string) bool {
	a.mu.Lock()
	spec, ok := a.specs[name]
	a.mu.Unlock()
	if !ok {
		a.logger.Printf("container_restart_unknown name=%s", name)
		return false
	}
	a.Remove(ctx, name)
	return a.Start(ctx, spec)
}

// IsRunning lists running containers filtered by name.
func (a *Adapter) IsRunning(ctx context.Context, name string) bool {
	res := a.runner.Run(ctx, procexec.Command{
		Argv: []string{string(a.runtime), "ps", "--filter", "name=" + name, "--format", "{{.Names}}"},
	})
	if !res.OK() {
		return false
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == name {
			return true
		}
	}
	return false
}

// CheckHealth runs the spec's health-check command with its own timeout.
// A spec without a health check is healthy if the container is running.
func (a *Adapter) CheckHealth(ctx context.Context, spec Spec) bool {
	hc := spec.HealthCheck
	if hc == nil {
		return a.IsRunning(ctx, spec.Name)
	}
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = defaultHCTime
	}
	res := a.runner.Run(ctx, procexec.Command{Shell: hc.Command, Timeout: timeout})
	return res.OK()
}

// Pull fetches an image; pulls get an extended timeout.
func (a *Adapter) Pull(ctx context.Context, image string) bool {
	a.logger.Printf("image_pull image=%s", image)
	res := a.runner.Run(ctx, procexec.Command{
		Argv:    []string{string(a.runtime), "pull", image},
		Timeout: pullTimeout,
	})
	if !res.OK() {
		a.logger.Printf("image_pull_failed image=%s error=%q", image, res.ErrorText())
		return false
	}
	return true
}

// Logs returns the last tailLines lines of a container's log.
func (a *Adapter) Logs(ctx context.Context, name string, tailLines int) (string, error) {
	if tailLines <= 0 {
		tailLines = defaultLogLines
	}
	res := a.runner.Run(ctx, procexec.Command{
		Argv: []string{string(a.runtime), "logs", "--tail", strconv.Itoa(tailLines), name},
	})
	if !res.OK() {
		return "", fmt.Errorf("logs for %s: %s", name, res.ErrorText())
	}
	return res.Stdout, nil
}

// Inspect queries the engine for a container's current state.
func (a *Adapter) Inspect(ctx context.Context, name string) (*ManagedContainer, error) {
	res := a.runner.Run(ctx, procexec.Command{Argv: []string{string(a.runtime), "inspect", name}})
	if !res.OK() {
		return nil, fmt.Errorf("inspect %s: %s", name, res.ErrorText())
	}
	var docs []struct {
		Created string `json:"Created"`
		Config  struct {
			Image string `json:"Image"`
		} `json:"Config"`
		State struct {
			Status string `json:"Status"`
		} `json:"State"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &docs); err != nil {
		return nil, fmt.Errorf("decode inspect output for %s: %w", name, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("inspect %s: empty result", name)
	}
	created, _ := time.Parse(time.RFC3339Nano, docs[0].Created)
	return &ManagedContainer{
		Name:    name,
		Image:   docs[0].Config.Image,
		Status:  docs[0].State.Status,
		Created: created,
		Runtime: a.runtime,
	}, nil
}

// CleanupAll stops and removes every tracked container, leaving the registry
// empty. Used before and after a full environment reset.
func (a *Adapter) CleanupAll(ctx context.Context) {
	a.mu.Lock()
	names := make([]string, 0, len(a.managed))
	for name := range a.managed {
		names = append(names, name)
	}
	a.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		a.Remove(ctx, name)
	}
	a.logger.Printf("container_cleanup_done count=%d", len(names))
}

// Managed returns a copy of the registry.
func (a *Adapter) Managed() map[string]ManagedContainer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ManagedContainer, len(a.managed))
	for k, v := range a.managed {
		out[k] = v
	}
	return out
}

// IsManaged reports whether this adapter is tracking the named container.
func (a *Adapter) IsManaged(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.managed[name]
	return ok
}

func startupTimeout(spec Spec) time.Duration {
	if spec.StartupTimeout > 0 {
		return spec.StartupTimeout
	}
	return defaultStartup
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sleepCtx sleeps for d or returns early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
