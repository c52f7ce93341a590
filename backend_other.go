//go:build !linux && !darwin

package sandboxloop

// newPlatformBackend returns the sandbox backend: this platform has no
// readiness multiplexer this package can use (e.g. wasip1, js, windows).
func newPlatformBackend() Backend {
	return NewSandboxBackend()
}
