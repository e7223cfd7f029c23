package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/beamtutor/beamtutor/internal/pipeline/container"
)

// remoteEPICSImage is the published demo IOC image; when a registry lookup
// fails the command is retried against the local tag of the same image.
const remoteEPICSImage = "ghcr.io/bcda-aps/epics-podman:latest"

// demoPathPlaceholder appears verbatim in tutorial text and must be resolved
// to the checkout's actual demo directory before a cd can succeed.
const demoPathPlaceholder = "/path/to/bits_demo"

// RewriteForRetry applies the direct text-substitution fallbacks keyed on
// (substring-in-command, substring-in-error) pairs. This is a second, more
// specific correction layer next to the classifier/fixer pair; it runs when
// forming the next attempt's command and returns the command unchanged when
// no rule matches. The conda rule escalates per attempt (miniconda on 2,
// anaconda on 3) and always wraps the step's original command, never an
// earlier attempt's wrap; the path and image substitutions operate on the
// current command so they accumulate across attempts.
func RewriteForRetry(original, command string, attempt int, errText, demoPath string) string {
	if strings.Contains(original, "conda activate") && strings.Contains(errText, "Run 'conda init'") {
		switch attempt {
		case 2:
			return "bash -c 'source ~/miniconda3/etc/profile.d/conda.sh && " + original + "'"
		case 3:
			return "bash -c 'source ~/anaconda3/etc/profile.d/conda.sh && " + original + "'"
		}
	}

	if strings.Contains(command, "source") &&
		strings.Contains(errText, "/bin/sh") && strings.Contains(errText, "not found") {
		return "bash -c '" + command + "'"
	}

	if strings.Contains(errText, "can't cd to") {
		if strings.Contains(command, demoPathPlaceholder) {
			return strings.ReplaceAll(command, demoPathPlaceholder, resolveDemoPath(demoPath))
		}
		if strings.Contains(command, "bits_demo/") {
			return strings.ReplaceAll(command, "bits_demo/", resolveDemoPath(demoPath)+"/")
		}
	}

	if strings.Contains(errText, "manifest unknown") && strings.Contains(command, remoteEPICSImage) {
		if local, err := container.LocalTag(remoteEPICSImage); err == nil {
			return strings.ReplaceAll(command, remoteEPICSImage, local)
		}
	}

	return command
}

func resolveDemoPath(demoPath string) string {
	if filepath.IsAbs(demoPath) {
		return demoPath
	}
	cwd, err := os.Getwd()
	if err != nil {
		return demoPath
	}
	return filepath.Join(cwd, demoPath)
}
