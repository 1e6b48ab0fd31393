package registry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/log"
)

const (
	venvDir          = "venv"
	dependencyMarker = ".dependencies_installed"
	requirementsFile = "requirements.txt"
)

// DependencyInstaller materializes a python virtual environment inside a
// bundle. The marker file records the md5 of the requirements file so an
// unchanged bundle is never reinstalled.
type DependencyInstaller struct {
	logger zerolog.Logger
}

// NewDependencyInstaller creates a dependency installer
func NewDependencyInstaller() *DependencyInstaller {
	return &DependencyInstaller{logger: log.WithComponent("deps")}
}

// EnsureInstalled creates <bundleRoot>/venv and installs requirements.txt
// into it when needed. A bundle without a requirements file needs nothing.
// An install that fails with "directory not empty" deletes the venv and
// retries once.
func (d *DependencyInstaller) EnsureInstalled(bundleRoot string) error {
	reqPath := filepath.Join(bundleRoot, requirementsFile)
	reqData, err := os.ReadFile(reqPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.CodeDependencyInstallFailed, "deps",
			"failed to read requirements file", errs.WithCause(err))
	}

	hash := md5.Sum(reqData)
	digest := hex.EncodeToString(hash[:])

	markerPath := filepath.Join(bundleRoot, dependencyMarker)
	if current, err := os.ReadFile(markerPath); err == nil && strings.TrimSpace(string(current)) == digest {
		return nil
	}

	if err := d.install(bundleRoot, reqPath); err != nil {
		if strings.Contains(err.Error(), "directory not empty") {
			d.logger.Warn().Str("bundle", bundleRoot).Msg("retrying dependency install after venv reset")
			if rmErr := os.RemoveAll(filepath.Join(bundleRoot, venvDir)); rmErr != nil {
				return errs.New(errs.CodeDependencyInstallFailed, "deps",
					"failed to reset virtual environment", errs.WithCause(rmErr))
			}
			err = d.install(bundleRoot, reqPath)
		}
		if err != nil {
			return errs.New(errs.CodeDependencyInstallFailed, "deps",
				fmt.Sprintf("dependency install failed for %s", bundleRoot), errs.WithCause(err))
		}
	}

	if err := os.WriteFile(markerPath, []byte(digest), 0644); err != nil {
		return errs.New(errs.CodeDependencyInstallFailed, "deps",
			"failed to write dependency marker", errs.WithCause(err))
	}

	d.logger.Info().Str("bundle", bundleRoot).Msg("dependencies installed")
	return nil
}

func (d *DependencyInstaller) install(bundleRoot, reqPath string) error {
	venvPath := filepath.Join(bundleRoot, venvDir)

	if !dirExists(venvPath) {
		cmd := exec.Command("python3", "-m", "venv", venvPath)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("venv creation failed: %w (output: %s)", err, string(output))
		}
	}

	pip := filepath.Join(venvPath, "bin", "pip")
	cmd := exec.Command(pip, "install", "-r", reqPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pip install failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// RuntimePath returns the bundle's python interpreter when a virtual
// environment exists, else the system interpreter.
func RuntimePath(bundleRoot string) string {
	venvPython := filepath.Join(bundleRoot, venvDir, "bin", "python")
	if _, err := os.Stat(venvPython); err == nil {
		return venvPython
	}
	return "python3"
}
