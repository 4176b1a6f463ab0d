// Package version carries the symbolic version of the client. It is set at
// build time with -ldflags "-X github.com/m-lab/ndt5-client/version.Version=v1.2.3".
package version

// Version is the symbolic version of the running client code.
var Version = "v0.0.0-dev"
