//go:build unix

package xatm

import "golang.org/x/sys/unix"

func terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
