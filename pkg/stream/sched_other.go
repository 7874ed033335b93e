//go:build unix && !linux

package stream

import (
	"errors"
	"os/exec"

	"golang.org/x/sys/unix"
)

var errAffinityUnsupported = errors.New("cpu affinity not supported on this platform")

func setProcAttr(*exec.Cmd) {}

func setNice(pid, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}

func setAffinity(int, []int) error {
	return errAffinityUnsupported
}
