package resourcelimits

import (
	"strings"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/docker/go-units"
)

const DefaultSampleInterval = 5 * time.Second

// MonitorConfig controls sampling of one managed process
type MonitorConfig struct {
	Interval time.Duration

	// MemoryLimit is the resident memory ceiling in bytes; 0 disables the check
	MemoryLimit uint64

	SampleCPU bool
}

// ParseMemoryLimit parses sizes such as "200M", "1G" or "512k" using binary
// multiples, so "200M" is 200*1024*1024 bytes. Empty and "0" mean no limit.
func ParseMemoryLimit(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0" {
		return 0, nil
	}

	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, errors.NewValidationError("invalid memory limit", err).WithContext("value", value)
	}
	if n < 0 {
		return 0, errors.NewValidationError("memory limit cannot be negative", nil).WithContext("value", value)
	}
	return uint64(n), nil
}

// FormatBytes renders a byte count the same way limits are written in configuration
func FormatBytes(n uint64) string {
	return units.BytesSize(float64(n))
}
