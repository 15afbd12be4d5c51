//go:build unix

package render

import "golang.org/x/sys/unix"

func setPriority(pid, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}
