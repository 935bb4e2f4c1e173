//go:build !linux && !(darwin && arm64) && !(windows && amd64)

// Package factory selects the hypervisor backend for the host platform.
package factory

import (
	"github.com/orbvm/orbvm/internal/hv"
)

// New reports that no hypervisor backend exists for this platform.
func New(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
	return nil, hv.ErrUnsupported
}
