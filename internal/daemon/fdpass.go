// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RecvFD receives exactly one file descriptor over an SCM_RIGHTS control
// message on the given Unix socket fd, matching the
// "recvmsg(..., MSG_WAITALL)" discipline of the original daemon: a short
// or malformed control message is a protocol violation, not a retryable
// condition.
func RecvFD(sockFD int, name string) (*os.File, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)

	_, oobn, _, _, err := unix.Recvmsg(sockFD, buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: recvmsg for fd: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("daemon: parse control message: %w", err)
	}
	if len(cmsgs) != 1 {
		return nil, fmt.Errorf("daemon: expected 1 control message, got %d", len(cmsgs))
	}
	if cmsgs[0].Header.Level != unix.SOL_SOCKET || cmsgs[0].Header.Type != unix.SCM_RIGHTS {
		return nil, fmt.Errorf("daemon: control message is not SCM_RIGHTS")
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return nil, fmt.Errorf("daemon: parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("daemon: expected 1 fd, got %d", len(fds))
	}

	return os.NewFile(uintptr(fds[0]), name), nil
}

// SendFD sends f's descriptor over sockFD as an SCM_RIGHTS control
// message.
func SendFD(sockFD int, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	return unix.Sendmsg(sockFD, []byte{0}, rights, nil, 0)
}
