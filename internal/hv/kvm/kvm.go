//go:build linux

// Package kvm implements the hypervisor backend for Linux KVM.
package kvm

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
	"golang.org/x/sys/unix"
)

type hypervisor struct {
	fd    int
	vmFd  int
	ram   *ram.Ram
	feats hv.CpuFeats

	maxCpus int
	cpus    map[int]*cpu

	// On arm64 vCPU 0 is created during construction to read the feature
	// registers; CreateCpu(0) adopts it.
	precreated *cpu
}

// New opens /dev/kvm, validates the API version, creates the VM object and
// maps the whole RAM reservation into its guest physical space at 0.
//
// KVM resolves guest accesses through the userspace mapping at fault time,
// so the reservation can be registered before any block is committed.
func New(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %w", err)
	}

	h := &hypervisor{fd: fd, vmFd: -1, cpus: make(map[int]*cpu)}

	if err := h.init(cpus, ramSize, vmPageSize); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

func (h *hypervisor) init(cpus int, ramSize, vmPageSize uint64) error {
	version, err := getApiVersion(h.fd)
	if err != nil {
		return fmt.Errorf("failed to get KVM API version: %w", err)
	}

	if version != kvmApiVersion {
		return fmt.Errorf("unexpected KVM API version %d, expected %d", version, kvmApiVersion)
	}

	max, err := checkExtension(h.fd, kvmCapMaxVcpus)
	if err != nil {
		return fmt.Errorf("failed to get max vCPU count: %w", err)
	}

	if cpus > max {
		return fmt.Errorf("%d vCPUs requested but KVM supports only %d", cpus, max)
	}

	h.maxCpus = cpus

	// On Apple Silicon hosts VM creation fails unless the IPA size is
	// passed explicitly.
	var machineType uintptr
	if runtime.GOARCH == "arm64" {
		ipa, err := checkExtension(h.fd, kvmCapArmVmIpaSize)
		if err != nil {
			return fmt.Errorf("failed to get IPA size: %w", err)
		}
		machineType = uintptr(ipa)
	}

	vmFd, err := createVm(h.fd, machineType)
	if err != nil {
		return fmt.Errorf("failed to create VM: %w", err)
	}

	h.vmFd = vmFd

	h.ram, err = ram.New(vmPageSize, ramSize, nil)
	if err != nil {
		return fmt.Errorf("failed to create RAM: %w", err)
	}

	if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    h.ram.Len(),
		UserspaceAddr: uint64(uintptr(h.ram.HostAddr())),
	}); err != nil {
		return fmt.Errorf("failed to map RAM into the VM: %w", err)
	}

	return h.archInit()
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hostArchitecture }
func (h *hypervisor) CpuFeats() *hv.CpuFeats           { return &h.feats }
func (h *hypervisor) Ram() *ram.Ram                    { return h.ram }

// CreateCpu implements hv.Hypervisor. The returned Cpu is bound to the
// calling OS thread.
func (h *hypervisor) CreateCpu(id int) (hv.Cpu, error) {
	if id < 0 || id >= h.maxCpus {
		return nil, fmt.Errorf("invalid cpu id %d", id)
	}

	if _, ok := h.cpus[id]; ok {
		return nil, fmt.Errorf("cpu %d already created", id)
	}

	if id == 0 && h.precreated != nil {
		c := h.precreated
		h.precreated = nil
		c.tid = unix.Gettid()
		h.cpus[0] = c

		return c, nil
	}

	c, err := h.newCpu(id)
	if err != nil {
		return nil, err
	}

	c.tid = unix.Gettid()
	h.cpus[id] = c

	return c, nil
}

func (h *hypervisor) newCpu(id int) (*cpu, error) {
	fd, err := createVcpu(h.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create vCPU %d: %w", id, err)
	}

	size, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to get vCPU state size: %w", err)
	}

	run, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to map vCPU %d state: %w", id, err)
	}

	c := &cpu{hv: h, id: id, fd: fd, run: run}

	if err := c.archInit(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize vCPU %d: %w", id, err)
	}

	return c, nil
}

// Close tears the VM down in the required order: vCPUs, then the VM object,
// then the KVM handle, then RAM.
func (h *hypervisor) Close() error {
	if h.precreated != nil {
		h.precreated.Close()
		h.precreated = nil
	}

	for id, c := range h.cpus {
		if err := c.Close(); err != nil {
			slog.Error("failed to close vcpu", "id", id, "error", err)
		}
	}
	h.cpus = nil

	if h.vmFd >= 0 {
		if err := unix.Close(h.vmFd); err != nil {
			slog.Error("failed to close vm fd", "error", err)
		}
		h.vmFd = -1
	}

	if h.fd >= 0 {
		if err := unix.Close(h.fd); err != nil {
			slog.Error("failed to close kvm fd", "error", err)
		}
		h.fd = -1
	}

	if h.ram != nil {
		err := h.ram.Close()
		h.ram = nil

		return err
	}

	return nil
}

var _ hv.Hypervisor = (*hypervisor)(nil)
