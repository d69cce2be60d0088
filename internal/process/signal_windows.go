//go:build windows

package process

import (
	"os"
	"syscall"
)

// signalGroup terminates the process; Windows has no POSIX signals so every
// request is treated as a kill.
func signalGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
