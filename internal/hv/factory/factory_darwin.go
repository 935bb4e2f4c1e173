//go:build darwin && arm64

// Package factory selects the hypervisor backend for the host platform.
package factory

import (
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/hvf"
)

// New creates a hypervisor backed by the macOS Hypervisor.framework.
func New(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
	return hvf.New(cpus, ramSize, vmPageSize)
}
