//go:build !linux
// +build !linux

package bbr

func getMaxBandwidthAndMinRTT(uintptr) (Info, error) {
	return Info{}, ErrNoSupport
}
