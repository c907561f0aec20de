package buildconfig

import (
	"errors"
	"net"
	"syscall"
)

// IsAddrInUse reports whether err is the result of binding an address that
// another socket already owns.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// ProbePort binds addr and releases it straight away. It returns a
// PortInUseError when the address is taken.
func ProbePort(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		if IsAddrInUse(err) {
			return &PortInUseError{Addr: addr, Err: err}
		}
		return &ConfigError{Field: "devServer.port", Value: addr, Err: err}
	}
	return l.Close()
}
