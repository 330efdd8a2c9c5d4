package unixutil

import (
	"golang.org/x/sys/unix"
)

func TimespecFromNsec(nsec int64) unix.Timespec {
	sec := nsec / 1e9
	nsec = nsec % 1e9
	// The field unix.Timespec.Nsec must always be non-negative.
	if nsec < 0 {
		sec -= 1
		nsec += 1e9
	}
	return unix.Timespec{
		Sec:  sec,
		Nsec: nsec,
	}
}

func NsecFromTimespec(ts unix.Timespec) int64 {
	return ts.Sec*1e9 + ts.Nsec
}
