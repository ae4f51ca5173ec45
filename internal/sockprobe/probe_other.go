//go:build !linux

package sockprobe

func hungUp(int) bool { return false }
