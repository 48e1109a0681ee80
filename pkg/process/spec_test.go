package process

import (
	"testing"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessSpec_IsImmutable(t *testing.T) {
	config := ExecutionConfig{
		ExecutablePath:   "/usr/bin/python3",
		Args:             []string{"app.py"},
		Environment:      map[string]string{"ENV": "production"},
		WorkingDirectory: "/srv/app",
		OutFile:          "/srv/app/logs/out.log",
		ErrorFile:        "/srv/app/logs/err.log",
		TimestampPrefix:  true,
	}

	spec, err := NewProcessSpec(config)
	require.NoError(t, err)

	config.Args[0] = "changed.py"
	config.Environment["ENV"] = "changed"

	args := spec.Args()
	args[0] = "mutated"
	env := spec.Environment()
	env["ENV"] = "mutated"

	assert.Equal(t, []string{"app.py"}, spec.Args())
	assert.Equal(t, map[string]string{"ENV": "production"}, spec.Environment())
	assert.Equal(t, "/usr/bin/python3", spec.ExecutablePath())
	assert.Equal(t, "/srv/app", spec.WorkingDirectory())
	assert.Equal(t, "/srv/app/logs/out.log", spec.OutFile())
	assert.Equal(t, "/srv/app/logs/err.log", spec.ErrorFile())
	assert.True(t, spec.TimestampPrefix())
}

func TestNewProcessSpec_Validation(t *testing.T) {
	_, err := NewProcessSpec(ExecutionConfig{})
	assert.True(t, errors.IsValidationError(err))

	_, err = NewProcessSpec(ExecutionConfig{ExecutablePath: "sleep", Environment: map[string]string{"A=B": "x"}})
	assert.True(t, errors.IsValidationError(err))
}

func TestMergeEnvironment(t *testing.T) {
	inherited := []string{"PATH=/bin", "HOME=/root", "=C:=C:\\", "ENV=dev"}
	overlay := map[string]string{"ENV": "production", "PYTHONUNBUFFERED": "1"}

	merged := mergeEnvironment(inherited, overlay)

	assert.Equal(t, []string{
		"PATH=/bin",
		"HOME=/root",
		"=C:=C:\\",
		"ENV=production",
		"PYTHONUNBUFFERED=1",
	}, merged)
}
