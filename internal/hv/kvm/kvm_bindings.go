//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd int, request uint64, arg uintptr) error {
	_, err := ioctlRet(fd, request, arg)
	return err
}

func ioctlRet(fd int, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd int, request uint64, arg uintptr) error {
	_, err := ioctlRetWithRetry(fd, request, arg)
	return err
}

func ioctlRetWithRetry(fd int, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctlRet(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getApiVersion(fd int) (int, error) {
	v, err := ioctlRetWithRetry(fd, kvmGetApiVersion, 0)
	return int(v), err
}

func checkExtension(fd int, cap uintptr) (int, error) {
	v, err := ioctlRetWithRetry(fd, kvmCheckExtension, cap)
	return int(v), err
}

func createVm(fd int, machineType uintptr) (int, error) {
	v, err := ioctlRetWithRetry(fd, kvmCreateVm, machineType)
	return int(v), err
}

func getVcpuMmapSize(fd int) (int, error) {
	v, err := ioctlRetWithRetry(fd, kvmGetVcpuMmapSize, 0)
	return int(v), err
}

func createVcpu(fd int, id int) (int, error) {
	v, err := ioctlRetWithRetry(fd, kvmCreateVcpu, uintptr(id))
	return int(v), err
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	return ioctlWithRetry(fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
}
