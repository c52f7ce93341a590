//go:build linux || darwin

package sandboxloop

import (
	"net"
)

// interfaceIndex resolves name via the host's interface table.
func interfaceIndex(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, false
	}
	return ifi.Index, true
}
