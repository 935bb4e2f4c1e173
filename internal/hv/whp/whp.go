//go:build windows && amd64

// Package whp implements the hypervisor backend for the Windows Hypervisor
// Platform.
package whp

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
	"github.com/orbvm/orbvm/internal/hv/whp/bindings"
)

type hypervisor struct {
	partition bindings.PartitionHandle
	ram       *ram.Ram
	feats     hv.CpuFeats

	maxCpus int
	cpus    map[int]*cpu
}

// mapper maps committed blocks into the guest as they are committed since
// WHvMapGpaRange requires committed memory.
type mapper struct {
	h *hypervisor
}

func (m mapper) MapBlocks(host []byte, gpa uint64) error {
	return bindings.MapGPARange(
		m.h.partition,
		unsafe.Pointer(&host[0]),
		bindings.GuestPhysicalAddress(gpa),
		uint64(len(host)),
		bindings.MapGPARangeFlagRead|bindings.MapGPARangeFlagWrite|bindings.MapGPARangeFlagExecute,
	)
}

// New creates and sets up a partition. Exception exits for #DB and #BP are
// configured up front because the bitmap cannot change after setup.
func New(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
	if present, err := bindings.IsHypervisorPresent(); err != nil {
		return nil, err
	} else if !present {
		return nil, hv.ErrUnsupported
	}

	partition, err := bindings.CreatePartition()
	if err != nil {
		return nil, fmt.Errorf("failed to create partition: %w", err)
	}

	h := &hypervisor{partition: partition, maxCpus: cpus, cpus: make(map[int]*cpu)}

	if err := h.init(cpus, ramSize, vmPageSize); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

func (h *hypervisor) init(cpus int, ramSize, vmPageSize uint64) error {
	if err := bindings.SetPartitionPropertyUnsafe(
		h.partition,
		bindings.PartitionPropertyCodeProcessorCount,
		uint32(cpus),
	); err != nil {
		return fmt.Errorf("failed to set processor count: %w", err)
	}

	if err := bindings.SetPartitionPropertyUnsafe(
		h.partition,
		bindings.PartitionPropertyCodeExtendedVmExits,
		bindings.ExtendedVmExitException,
	); err != nil {
		return fmt.Errorf("failed to enable exception exits: %w", err)
	}

	bitmap := uint64(1)<<uint(bindings.ExceptionTypeDebugTrapOrFault) |
		uint64(1)<<uint(bindings.ExceptionTypeBreakpointTrap)

	if err := bindings.SetPartitionPropertyUnsafe(
		h.partition,
		bindings.PartitionPropertyCodeExceptionExitBitmap,
		bitmap,
	); err != nil {
		return fmt.Errorf("failed to set exception bitmap: %w", err)
	}

	if err := bindings.SetupPartition(h.partition); err != nil {
		return fmt.Errorf("failed to set up partition: %w", err)
	}

	var err error

	h.ram, err = ram.New(vmPageSize, ramSize, mapper{h})
	if err != nil {
		return fmt.Errorf("failed to create RAM: %w", err)
	}

	return nil
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }
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

	if err := bindings.CreateVirtualProcessor(h.partition, uint32(id), 0); err != nil {
		return nil, err
	}

	c := &cpu{hv: h, id: id, tid: currentThreadId()}
	h.cpus[id] = c

	return c, nil
}

// Close deletes the vCPUs, then the partition, then the RAM.
func (h *hypervisor) Close() error {
	for id, c := range h.cpus {
		if err := c.Close(); err != nil {
			slog.Error("failed to delete virtual processor", "id", id, "error", err)
		}
	}
	h.cpus = nil

	if h.partition != 0 {
		if err := bindings.DeletePartition(h.partition); err != nil {
			slog.Error("failed to delete partition", "error", err)
		}
		h.partition = 0
	}

	if h.ram != nil {
		err := h.ram.Close()
		h.ram = nil

		return err
	}

	return nil
}

var _ hv.Hypervisor = (*hypervisor)(nil)
