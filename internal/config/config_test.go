package config

import (
	"strings"
	"testing"
	"time"

	"github.com/beamtutor/beamtutor/internal/pipeline/engine"
)

func TestParse_DefaultsApply(t *testing.T) {
	cfg, err := Parse([]byte("version: 1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.Strategy != "adaptive" {
		t.Fatalf("retry defaults: %+v", cfg.Retry)
	}
	if cfg.BaseDelayDuration() != 5*time.Second || cfg.MaxDelayDuration() != 60*time.Second {
		t.Fatalf("delay defaults: base=%s max=%s", cfg.BaseDelayDuration(), cfg.MaxDelayDuration())
	}
	if cfg.Strategy() != engine.StrategyAdaptive {
		t.Fatalf("strategy: %q", cfg.Strategy())
	}
	if !*cfg.Runtime.PreferPodman {
		t.Fatalf("podman must be preferred by default")
	}
	if cfg.LogsRoot != "runs" || cfg.HistoryPath != "runs/history.db" {
		t.Fatalf("artifact defaults: %q %q", cfg.LogsRoot, cfg.HistoryPath)
	}
}

func TestParse_EmptyDocumentGetsDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Version != 1 || cfg.PythonBin != "python" {
		t.Fatalf("defaults: %+v", cfg)
	}
	specs, err := cfg.ContainerSpecs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if _, ok := specs["adsim_ioc"]; !ok {
		t.Fatalf("default specs must include adsim_ioc, got %v", specs)
	}
	if _, ok := specs["gp_ioc"]; !ok {
		t.Fatalf("default specs must include gp_ioc")
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: 1\nbogus_field: 7\n"))
	if err == nil {
		t.Fatalf("unknown field must be rejected")
	}
}

func TestParse_RejectsTrailingDocument(t *testing.T) {
	_, err := Parse([]byte("version: 1\n---\nversion: 2\n"))
	if err == nil {
		t.Fatalf("second yaml document must be rejected")
	}
}

func TestParse_SchemaRejectsBadTypes(t *testing.T) {
	cases := []string{
		"retry:\n  max_attempts: zero\n",
		"retry:\n  max_attempts: 0\n",
		"retry:\n  strategy: frantic\n",
		"containers:\n  bad_ioc:\n    ports: {}\n", // image missing
	}
	for _, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("document must fail validation:\n%s", doc)
		}
	}
}

func TestParse_ContainerConversion(t *testing.T) {
	doc := `
version: 1
retry:
  max_attempts: 2
  strategy: exponential
  base_delay: 10
containers:
  my_ioc:
    image: ghcr.io/epics-containers/ioc-gp:latest
    ports:
      "5066": "5064"
    environment:
      IOC_PREFIX: "gp:"
    health_check:
      command: caget gp:m1.RBV
      timeout_seconds: 10
      retries: 3
    startup_timeout_seconds: 45
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	specs, err := cfg.ContainerSpecs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("configured containers must replace the defaults: %v", specs)
	}
	spec := specs["my_ioc"]
	if spec.Name != "my_ioc" || spec.Image != "ghcr.io/epics-containers/ioc-gp:latest" {
		t.Fatalf("spec identity: %+v", spec)
	}
	if spec.Ports["5066"] != "5064" {
		t.Fatalf("ports: %v", spec.Ports)
	}
	if spec.HealthCheck == nil || spec.HealthCheck.Timeout != 10*time.Second || spec.HealthCheck.Retries != 3 {
		t.Fatalf("health check: %+v", spec.HealthCheck)
	}
	if spec.StartupTimeout != 45*time.Second {
		t.Fatalf("startup timeout: %s", spec.StartupTimeout)
	}
	if cfg.Strategy() != engine.StrategyExponential || cfg.BaseDelayDuration() != 10*time.Second {
		t.Fatalf("retry overrides: %+v", cfg.Retry)
	}
}

func TestParse_InvalidImageRejected(t *testing.T) {
	doc := "containers:\n  x:\n    image: \"NOT A REF\"\n"
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "image") {
		t.Fatalf("invalid image reference must fail validation, got %v", err)
	}
}
