//go:build windows && amd64

// Package factory selects the hypervisor backend for the host platform.
package factory

import (
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/whp"
)

// New creates a hypervisor backed by the Windows Hypervisor Platform.
func New(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
	return whp.New(cpus, ramSize, vmPageSize)
}
