package saftbus

import "golang.org/x/sys/unix"

// pollOne polls a single descriptor for events, for timeoutMs
// milliseconds (-1 blocks forever, 0 never blocks). It returns the
// subset of events actually observed, or 0 if the timeout elapsed
// first. This is the shared primitive behind ClientConnection's
// send/receive and SignalGroup's wait_for_signal (§4.5, §4.6), both of
// which poll-then-io on exactly one descriptor with a caller-supplied
// timeout.
func pollOne(fd int, events int16, timeoutMs int) (revents int16, err error) {
	pfds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return pfds[0].Revents, nil
}
