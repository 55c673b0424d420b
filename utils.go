package weft

import (
	"fmt"
	"net"
)

// findFreePort finds an available TCP port for a fabric endpoint
func findFreePort() int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 7555
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 7555
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}

// localEndpoint builds a loopback endpoint for the given port
func localEndpoint(port int) string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}
