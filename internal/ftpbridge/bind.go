package ftpbridge

import (
	"fmt"
	"net"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// CheckLoopbackBind rejects any bind address that doesn't resolve to a
// loopback interface. The server is meant to be reached only from the same
// host (specification's Non-goals exclude exposing the store over a real
// network), so this is checked once at startup rather than per connection.
func CheckLoopbackBind(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %s", x79err.ErrUnsupported, err)
	}
	if host == "" {
		// ":PORT" binds every interface, not just loopback. spec.md §4.8/§6
		// allow no exception for a wildcard bind, so this is refused just
		// like any other non-loopback address.
		return fmt.Errorf("%w: bind address %q binds all interfaces, not loopback-only", x79err.ErrUnsupported, addr)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("%w: resolve bind address %q: %v", x79err.ErrUnsupported, addr, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("%w: bind address %q resolved to no addresses", x79err.ErrUnsupported, addr)
	}
	for _, ip := range ips {
		if !ip.IsLoopback() {
			return fmt.Errorf("%w: bind address %q is not loopback-only", x79err.ErrUnsupported, addr)
		}
	}
	return nil
}
