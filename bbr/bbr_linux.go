package bbr

import (
	"syscall"
	"unsafe"
)

// tcpCCInfo is TCP_CC_INFO from include/uapi/linux/tcp.h.
const tcpCCInfo = 26

// tcpBBRInfo mirrors struct tcp_bbr_info in include/uapi/linux/inet_diag.h.
type tcpBBRInfo struct {
	BwLo       uint32
	BwHi       uint32
	MinRTT     uint32
	PacingGain uint32
	CwndGain   uint32
}

func getMaxBandwidthAndMinRTT(fd uintptr) (Info, error) {
	info := tcpBBRInfo{}
	size := uint32(unsafe.Sizeof(info))
	_, _, errno := syscall.Syscall6(
		uintptr(syscall.SYS_GETSOCKOPT),
		fd,
		uintptr(syscall.SOL_TCP),
		uintptr(tcpCCInfo),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&size)),
		0)
	if errno != 0 {
		return Info{}, errno
	}
	// Vegas and DCTCP fill four words, only BBR fills five.
	if size != uint32(unsafe.Sizeof(info)) {
		return Info{}, ErrNotBBR
	}
	bw := uint64(info.BwHi)<<32 | uint64(info.BwLo)
	return Info{
		// The kernel reports bytes per second.
		MaxBandwidth: int64(bw) * 8,
		MinRTT:       int64(info.MinRTT),
	}, nil
}
