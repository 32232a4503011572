package bind

import "golang.org/x/sys/unix"

func socket(domain, typ, proto int) (int, error) {
	return unix.Socket(domain, typ|unix.SOCK_CLOEXEC, proto)
}

// Accept accepts a connection on a blocking listening descriptor. The new
// descriptor is close-on-exec and blocking.
func Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_CLOEXEC)
}
