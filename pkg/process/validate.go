package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ResolveExecutable checks that the working directory and executable of spec
// can be used to launch a process and returns the executable path to run.
// Bare names are looked up in PATH; relative paths are relative to the working directory.
func ResolveExecutable(spec ProcessSpec) (string, error) {
	workDir := spec.WorkingDirectory()
	if workDir != "" {
		info, err := os.Stat(workDir)
		if err != nil {
			return "", errors.NewSpawnError("working directory is not accessible", err).WithContext("working_directory", workDir)
		}
		if !info.IsDir() {
			return "", errors.NewSpawnError("working directory is not a directory", nil).WithContext("working_directory", workDir)
		}
	}

	path := spec.ExecutablePath()
	if !strings.ContainsAny(path, `/\`) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", errors.NewSpawnError("executable not found in PATH", err).WithContext("executable", path)
		}
		return resolved, nil
	}

	statPath := path
	if !filepath.IsAbs(path) && workDir != "" {
		statPath = filepath.Join(workDir, path)
	}

	info, err := os.Stat(statPath)
	if err != nil {
		return "", errors.NewSpawnError("executable not found", err).WithContext("executable", statPath)
	}
	if info.IsDir() {
		return "", errors.NewSpawnError("executable is a directory", nil).WithContext("executable", statPath)
	}
	if !isExecutable(info) {
		return "", errors.NewSpawnError("executable has no execute permission", nil).WithContext("executable", statPath)
	}

	absPath, err := filepath.Abs(statPath)
	if err != nil {
		return "", errors.NewSpawnError("cannot resolve executable path", err).WithContext("executable", statPath)
	}
	return absPath, nil
}
