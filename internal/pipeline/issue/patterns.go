package issue

import (
	"regexp"

	"github.com/beamtutor/beamtutor/internal/pipeline/model"
)

// FixSpec is the remediation attached to a pattern. Exactly two variants
// exist: a verbatim command list, or a single templated command whose
// parameters are extracted from the error text.
type FixSpec interface{ fixSpec() }

// FixedCommands is a remediation with a predetermined command sequence.
type FixedCommands struct {
	Commands   []string
	Validation string
}

// TemplatedCommand is a remediation rendered from a template. Placeholders
// ({package}, {script_path}, {resolved_path}, {original_command}) are filled
// from the pattern's named capture groups and derived parameters.
type TemplatedCommand struct {
	Template   string
	Validation string
}

func (FixedCommands) fixSpec()    {}
func (TemplatedCommand) fixSpec() {}

// Pattern is one registered fault signature. The registry is an ordered
// slice, so detection order is deterministic.
type Pattern struct {
	Name        string
	Regexp      *regexp.Regexp
	Category    model.Category
	Severity    model.Severity
	Description string
	AutoFixable bool
	Confidence  float64
	Fix         FixSpec // nil when no automatic remediation is defined
	Suggestion  string  // operator guidance for unfixable issues
}

// registry returns the built-in fault patterns, ordered. Regexes are
// case-insensitive and multiline to match arbitrary subprocess output.
func registry() []Pattern {
	return []Pattern{
		{
			Name:        "conda_env_missing",
			Regexp:      regexp.MustCompile(`(?im)conda.*activate.*environment.*not.*exist`),
			Category:    model.CategoryEnvironment,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.95,
			Fix: FixedCommands{
				Commands: []string{
					"conda create -n BITS_demo python=3.11 -y",
					"conda activate BITS_demo",
				},
				Validation: "conda info --envs | grep BITS_demo",
			},
		},
		{
			Name:        "conda_not_found",
			Regexp:      regexp.MustCompile(`(?im)conda.*command not found`),
			Category:    model.CategoryDependency,
			Severity:    model.SeverityCritical,
			AutoFixable: false,
			Confidence:  0.0,
			Suggestion:  "Install Anaconda or Miniconda from https://conda.io/",
		},
		{
			Name:        "conda_not_initialized",
			Regexp:      regexp.MustCompile(`(?im)Run 'conda init' before 'conda activate'`),
			Category:    model.CategoryEnvironment,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.90,
			Fix: FixedCommands{
				Commands: []string{
					"bash -c 'if [ -f ~/miniconda3/etc/profile.d/conda.sh ]; then source ~/miniconda3/etc/profile.d/conda.sh; elif [ -f ~/anaconda3/etc/profile.d/conda.sh ]; then source ~/anaconda3/etc/profile.d/conda.sh; fi; conda activate BITS_demo'",
				},
				Validation: "conda info --envs | grep BITS_demo",
			},
		},
		{
			Name:        "source_command_not_found",
			Regexp:      regexp.MustCompile(`(?im)/bin/sh.*source.*not found`),
			Category:    model.CategorySyntax,
			Severity:    model.SeverityMajor,
			Description: "Use bash instead of sh for source commands",
			AutoFixable: true,
			Confidence:  0.95,
			Fix: TemplatedCommand{
				Template: "bash -c '{original_command}'",
			},
		},
		{
			Name:        "path_not_found",
			Regexp:      regexp.MustCompile(`(?im)can't cd to (/path/to/bits_demo|bits_demo/)`),
			Category:    model.CategoryConfiguration,
			Severity:    model.SeverityMajor,
			Description: "Replace template paths with actual project paths",
			AutoFixable: true,
			Confidence:  0.95,
			Fix: TemplatedCommand{
				Template: "cd {resolved_path}",
			},
		},
		{
			Name:        "pip_package_missing",
			Regexp:      regexp.MustCompile(`(?im)ModuleNotFoundError.*No module named '(?P<package>\w+)'`),
			Category:    model.CategoryDependency,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.85,
			Fix: TemplatedCommand{
				Template:   "pip install {package}",
				Validation: "python -c 'import {package}'",
			},
		},
		{
			Name:        "container_not_running",
			Regexp:      regexp.MustCompile(`(?im)(container.*not.*running|connection.*refused.*5064|IOC.*not.*responding)`),
			Category:    model.CategoryContainer,
			Severity:    model.SeverityCritical,
			AutoFixable: true,
			Confidence:  0.90,
			Fix: FixedCommands{
				Commands: []string{
					"podman run -itd --net=host --name adsim_ioc epics-podman:latest adsim",
					"podman run -itd --net=host --name gp_ioc epics-podman:latest gp",
				},
				Validation: "podman ps | grep -E '(adsim_ioc|gp_ioc)'",
			},
		},
		{
			Name:        "container_startup_timeout",
			Regexp:      regexp.MustCompile(`(?im)container.*startup.*timeout`),
			Category:    model.CategoryContainer,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.80,
			Fix: FixedCommands{
				Commands: []string{
					"podman stop adsim_ioc gp_ioc || true",
					"podman rm adsim_ioc gp_ioc || true",
					"sleep 5",
					"podman run -itd --net=host --name adsim_ioc epics-podman:latest adsim",
					"podman run -itd --net=host --name gp_ioc epics-podman:latest gp",
				},
				Validation: "timeout 120 bash -c 'until caget adsim:cam1:Acquire_RBV; do sleep 2; done'",
			},
		},
		{
			Name:        "podman_not_found",
			Regexp:      regexp.MustCompile(`(?im)podman.*command not found`),
			Category:    model.CategoryDependency,
			Severity:    model.SeverityCritical,
			AutoFixable: true,
			Confidence:  0.70,
			Fix: FixedCommands{
				Commands: []string{
					"sudo apt update",
					"sudo apt install -y podman",
				},
				Validation: "podman --version",
			},
		},
		{
			Name:        "permission_denied",
			Regexp:      regexp.MustCompile(`(?im)Permission denied.*?(?P<script_path>[^\s]+\.(?:sh|py))`),
			Category:    model.CategoryPermission,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.95,
			Fix: TemplatedCommand{
				Template:   "chmod +x {script_path}",
				Validation: "test -x {script_path}",
			},
		},
		{
			Name:        "pv_connection_timeout",
			Regexp:      regexp.MustCompile(`(?im)(caget.*timeout|PV.*connection.*timeout|caput.*timeout)`),
			Category:    model.CategoryNetwork,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.70,
			Fix: FixedCommands{
				Commands: []string{
					"sleep 10",
					"export EPICS_CA_ADDR_LIST=127.0.0.1",
					"export EPICS_CA_AUTO_ADDR_LIST=NO",
				},
				Validation: "caget adsim:cam1:Acquire_RBV",
			},
		},
		{
			Name:        "python_import_error",
			Regexp:      regexp.MustCompile(`(?im)ImportError.*No module named.*bluesky`),
			Category:    model.CategoryDependency,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.85,
			Fix: FixedCommands{
				Commands: []string{
					"pip install bluesky[complete] apstools bits-base",
				},
				Validation: "python -c 'import bluesky; print(bluesky.__version__)'",
			},
		},
		{
			Name:        "pythonpath_issue",
			Regexp:      regexp.MustCompile(`(?im)ModuleNotFoundError.*bits`),
			Category:    model.CategoryConfiguration,
			Severity:    model.SeverityMajor,
			AutoFixable: true,
			Confidence:  0.80,
			Fix: FixedCommands{
				Commands: []string{
					"cd bits_base/BITS && pip install -e .",
				},
				Validation: "python -c 'import bits_base.BITS'",
			},
		},
		{
			Name:        "file_not_found",
			Regexp:      regexp.MustCompile(`(?im)No such file or directory.*\.(sh|py|yml|yaml)`),
			Category:    model.CategoryConfiguration,
			Severity:    model.SeverityMajor,
			Description: "Attempt to locate and update file paths",
			AutoFixable: true,
			Confidence:  0.60,
			// No FixSpec: detection only, the generator skips it.
		},
	}
}
