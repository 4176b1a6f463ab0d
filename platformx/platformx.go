// Package platformx contains platform specific code
package platformx

// WarnIfNotFullySupported will emit a warning if the platform is not
// fully supported by github.com/m-lab/ndt5-client.
func WarnIfNotFullySupported() {
	maybeEmitWarning()
}

// KernelVersion returns the running kernel's release, or "" where it is
// not known.
func KernelVersion() string {
	return kernelVersion()
}
