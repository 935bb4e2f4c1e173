//go:build darwin && arm64

// Package hvf implements the hypervisor backend for the macOS
// Hypervisor.framework.
package hvf

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

const frameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"

const (
	hvMemoryRead  = 1 << 0
	hvMemoryWrite = 1 << 1
	hvMemoryExec  = 1 << 2
)

// hv_feature_reg_t values for hv_vcpu_config_get_feature_reg.
const (
	hvFeatureRegMmfr0 = 4
	hvFeatureRegMmfr1 = 5
	hvFeatureRegMmfr2 = 6
)

var (
	hvVmCreate                   func(config uintptr) int32
	hvVmDestroy                  func() int32
	hvVmMap                      func(uva unsafe.Pointer, ipa, size uint64, flags uint64) int32
	hvVcpuCreate                 func(vcpu *uint64, exit **vcpuExit, config uintptr) int32
	hvVcpuDestroy                func(vcpu uint64) int32
	hvVcpuRun                    func(vcpu uint64) int32
	hvVcpuGetReg                 func(vcpu uint64, reg uint32, value *uint64) int32
	hvVcpuSetReg                 func(vcpu uint64, reg uint32, value uint64) int32
	hvVcpuGetSysReg              func(vcpu uint64, reg uint16, value *uint64) int32
	hvVcpuSetSysReg              func(vcpu uint64, reg uint16, value uint64) int32
	hvVcpuSetTrapDebugExceptions func(vcpu uint64, enable bool) int32
	hvVcpuConfigCreate           func() uintptr
	hvVcpuConfigGetFeatureReg    func(config uintptr, reg uint32, value *uint64) int32
	pthreadSelf                  func() uintptr
)

var loadErr error

func init() {
	lib, err := purego.Dlopen(frameworkPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		loadErr = fmt.Errorf("failed to load Hypervisor.framework: %w", err)
		return
	}

	purego.RegisterLibFunc(&hvVmCreate, lib, "hv_vm_create")
	purego.RegisterLibFunc(&hvVmDestroy, lib, "hv_vm_destroy")
	purego.RegisterLibFunc(&hvVmMap, lib, "hv_vm_map")
	purego.RegisterLibFunc(&hvVcpuCreate, lib, "hv_vcpu_create")
	purego.RegisterLibFunc(&hvVcpuDestroy, lib, "hv_vcpu_destroy")
	purego.RegisterLibFunc(&hvVcpuRun, lib, "hv_vcpu_run")
	purego.RegisterLibFunc(&hvVcpuGetReg, lib, "hv_vcpu_get_reg")
	purego.RegisterLibFunc(&hvVcpuSetReg, lib, "hv_vcpu_set_reg")
	purego.RegisterLibFunc(&hvVcpuGetSysReg, lib, "hv_vcpu_get_sys_reg")
	purego.RegisterLibFunc(&hvVcpuSetSysReg, lib, "hv_vcpu_set_sys_reg")
	purego.RegisterLibFunc(&hvVcpuSetTrapDebugExceptions, lib, "hv_vcpu_set_trap_debug_exceptions")
	purego.RegisterLibFunc(&hvVcpuConfigCreate, lib, "hv_vcpu_config_create")
	purego.RegisterLibFunc(&hvVcpuConfigGetFeatureReg, lib, "hv_vcpu_config_get_feature_reg")

	sys, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		loadErr = fmt.Errorf("failed to load libSystem: %w", err)
		return
	}

	purego.RegisterLibFunc(&pthreadSelf, sys, "pthread_self")
}

func hvCall(name string, ret int32) error {
	if ret != 0 {
		return fmt.Errorf("%s failed with %#x", name, uint32(ret))
	}

	return nil
}

type hypervisor struct {
	ram   *ram.Ram
	feats hv.CpuFeats

	maxCpus int
	cpus    map[int]*cpu
	created bool
}

// mapper maps each committed block into the guest as it is committed since
// Hypervisor.framework rejects mappings over reserved-only memory.
type mapper struct{}

func (mapper) MapBlocks(host []byte, gpa uint64) error {
	ret := hvVmMap(unsafe.Pointer(&host[0]), gpa, uint64(len(host)), hvMemoryRead|hvMemoryWrite|hvMemoryExec)

	return hvCall("hv_vm_map", ret)
}

// New creates the VM and reads the CPU feature registers from the vCPU
// configuration.
func New(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
	if loadErr != nil {
		return nil, loadErr
	}

	if err := hvCall("hv_vm_create", hvVmCreate(0)); err != nil {
		return nil, err
	}

	h := &hypervisor{maxCpus: cpus, cpus: make(map[int]*cpu), created: true}

	if err := h.init(ramSize, vmPageSize); err != nil {
		h.Close()
		return nil, err
	}

	return h, nil
}

func (h *hypervisor) init(ramSize, vmPageSize uint64) error {
	var err error

	h.ram, err = ram.New(vmPageSize, ramSize, mapper{})
	if err != nil {
		return fmt.Errorf("failed to create RAM: %w", err)
	}

	config := hvVcpuConfigCreate()
	if config == 0 {
		return fmt.Errorf("failed to create vCPU configuration")
	}

	for _, reg := range []struct {
		id  uint32
		out *uint64
	}{
		{hvFeatureRegMmfr0, &h.feats.Mmfr0},
		{hvFeatureRegMmfr1, &h.feats.Mmfr1},
		{hvFeatureRegMmfr2, &h.feats.Mmfr2},
	} {
		if err := hvCall("hv_vcpu_config_get_feature_reg", hvVcpuConfigGetFeatureReg(config, reg.id, reg.out)); err != nil {
			return err
		}
	}

	return nil
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }
func (h *hypervisor) CpuFeats() *hv.CpuFeats           { return &h.feats }
func (h *hypervisor) Ram() *ram.Ram                    { return h.ram }

// CreateCpu implements hv.Hypervisor. The vCPU is bound to the calling OS
// thread and both Run and Close must happen there.
func (h *hypervisor) CreateCpu(id int) (hv.Cpu, error) {
	if id < 0 || id >= h.maxCpus {
		return nil, fmt.Errorf("invalid cpu id %d", id)
	}

	if _, ok := h.cpus[id]; ok {
		return nil, fmt.Errorf("cpu %d already created", id)
	}

	c := &cpu{hv: h, id: id, thread: pthreadSelf()}

	if err := hvCall("hv_vcpu_create", hvVcpuCreate(&c.vcpu, &c.exit, 0)); err != nil {
		return nil, err
	}

	h.cpus[id] = c

	return c, nil
}

// Close destroys the remaining vCPUs, the VM object and the RAM, in that
// order.
func (h *hypervisor) Close() error {
	for id, c := range h.cpus {
		if err := c.Close(); err != nil {
			slog.Error("failed to destroy vcpu", "id", id, "error", err)
		}
	}
	h.cpus = nil

	if h.created {
		if err := hvCall("hv_vm_destroy", hvVmDestroy()); err != nil {
			slog.Error("failed to destroy vm", "error", err)
		}
		h.created = false
	}

	if h.ram != nil {
		err := h.ram.Close()
		h.ram = nil

		return err
	}

	return nil
}

var _ hv.Hypervisor = (*hypervisor)(nil)
