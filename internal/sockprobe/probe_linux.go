//go:build linux

package sockprobe

import (
	"golang.org/x/sys/unix"
)

func hungUp(fd int) bool {
	s := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLRDHUP}}
	n, err := unix.Poll(s, 0)
	if err != nil || n == 0 {
		return false
	}
	return s[0].Revents&(unix.POLLRDHUP|unix.POLLHUP|unix.POLLERR) != 0
}
