package tcpinfox

import (
	"syscall"
	"unsafe"

	"github.com/m-lab/tcp-info/tcp"
)

func getTCPInfo(fd uintptr) (*tcp.LinuxTCPInfo, error) {
	info := tcp.LinuxTCPInfo{}
	size := uint32(unsafe.Sizeof(info))
	_, _, errno := syscall.Syscall6(
		uintptr(syscall.SYS_GETSOCKOPT),
		fd,
		uintptr(syscall.SOL_TCP),
		uintptr(syscall.TCP_INFO),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&size)),
		0)
	if errno != 0 {
		return nil, errno
	}
	return &info, nil
}
