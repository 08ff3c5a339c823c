//go:build linux

package main

import (
	"io"

	"golang.org/x/sys/unix"
)

// readPassword reads one line from fd with local echo disabled, the
// way a terminal normally hides a password or one-time-code prompt;
// restores the terminal's previous mode before returning even on a
// read error. The returned bytes exclude the trailing newline.
func readPassword(fd int) ([]byte, error) {
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	newState := *oldState
	newState.Lflag &^= unix.ECHO
	newState.Lflag |= unix.ICANON | unix.ISIG
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &newState); err != nil {
		return nil, err
	}
	defer unix.IoctlSetTermios(fd, unix.TCSETS, oldState)

	return readLine(fdReader(fd))
}

type fdReader int

func (r fdReader) Read(buf []byte) (int, error) {
	return unix.Read(int(r), buf)
}

func readLine(r io.Reader) ([]byte, error) {
	var buf [1]byte
	var ret []byte
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			switch buf[0] {
			case '\n':
				return ret, nil
			case '\r':
			default:
				ret = append(ret, buf[0])
			}
			continue
		}
		if err != nil {
			if err == io.EOF && len(ret) > 0 {
				return ret, nil
			}
			return ret, err
		}
	}
}

// isTerminal reports whether fd refers to a terminal, the same check
// readPassword's caller uses to decide between a hidden prompt and a
// plain buffered read (e.g. stdin piped from a script).
func isTerminal(fd int) bool {
	_, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	return err == nil
}
