//go:build linux

package transport

import (
	"net"
	"syscall"
)

// peerCredentials reads SO_PEERCRED off the underlying Unix socket fd,
// backing the driver's GetConnectionUnixUser/GetConnectionUnixProcessID
// methods (spec.md §6). Adapted from the raw-syscall socket-option style
// go-server/pkg/websocket/netpoll.go uses for TCP_NODELAY et al.
func peerCredentials(conn *net.UnixConn) (uid, pid uint32, ok bool) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, false
	}
	var cred *syscall.Ucred
	var controlErr error
	err = raw.Control(func(fd uintptr) {
		cred, controlErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil || controlErr != nil || cred == nil {
		return 0, 0, false
	}
	return uint32(cred.Uid), uint32(cred.Pid), true
}
