//go:build linux

// Package factory selects the hypervisor backend for the host platform.
package factory

import (
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/kvm"
)

// New creates a hypervisor backed by KVM.
func New(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
	return kvm.New(cpus, ramSize, vmPageSize)
}
