// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package daemon implements the Unix-socket signing service: wire
// framing, the unlocked-token session registry, file-descriptor
// passing, and the single-threaded accept loop.
package daemon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the magic every message header must carry. A
// mismatch closes the connection immediately; it is never negotiated.
const ProtocolVersion uint32 = 0x2A9EDAF0

// Command identifies a daemon request.
type Command uint32

// Commands, matching the wire protocol exactly.
const (
	CmdKillDaemon Command = iota
	CmdUnlockToken
	CmdSignAttached
	CmdSignDetached
	CmdResponse
	CmdIsTokenUnlocked
	CmdGetCmdVersion
	cmdListEnd
)

func (c Command) String() string {
	switch c {
	case CmdKillDaemon:
		return "KILL_DAEMON"
	case CmdUnlockToken:
		return "UNLOCK_TOKEN"
	case CmdSignAttached:
		return "SIGN_ATTACHED"
	case CmdSignDetached:
		return "SIGN_DETACHED"
	case CmdResponse:
		return "RESPONSE"
	case CmdIsTokenUnlocked:
		return "IS_TOKEN_UNLOCKED"
	case CmdGetCmdVersion:
		return "GET_CMD_VERSION"
	default:
		return fmt.Sprintf("Command(%d)", c)
	}
}

// commandVersions answers GET_CMD_VERSION: every command implemented by
// this daemon is at version 0.
var commandVersions = map[Command]int32{
	CmdKillDaemon:       0,
	CmdUnlockToken:      0,
	CmdSignAttached:     0,
	CmdSignDetached:     0,
	CmdIsTokenUnlocked:  0,
	CmdGetCmdVersion:    0,
}

// CommandVersion returns the version of cmd, or -1 if cmd is unknown.
func CommandVersion(cmd Command) int32 {
	if v, ok := commandVersions[cmd]; ok {
		return v
	}
	return -1
}

// FileFormat selects what SIGN_ATTACHED/SIGN_DETACHED operate on.
type FileFormat uint32

// Supported file formats.
const (
	FormatPE FileFormat = iota
	FormatKernelModule
)

// Header is the 12-byte frame header prefixing every message.
type Header struct {
	Version uint32
	Command Command
	Size    uint32
}

const headerSize = 12

// ReadHeader reads and validates a 12-byte header from r. A version
// mismatch is a protocol violation: the caller must close the connection
// without sending a response.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}

	h := Header{
		Version: binary.LittleEndian.Uint32(buf[0:4]),
		Command: Command(binary.LittleEndian.Uint32(buf[4:8])),
		Size:    binary.LittleEndian.Uint32(buf[8:12]),
	}
	if h.Version != ProtocolVersion {
		return h, fmt.Errorf("%w: got 0x%x, want 0x%x", ErrBadVersion, h.Version, ProtocolVersion)
	}
	return h, nil
}

// WriteHeader writes a 12-byte header to w.
func WriteHeader(w io.Writer, cmd Command, size uint32) error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[8:12], size)
	_, err := w.Write(buf)
	return err
}

// ReadBody reads exactly size bytes from r. The caller (per spec) must
// treat a short read as a protocol violation and close the connection;
// io.ReadFull already returns an error in that case.
func ReadBody(r io.Reader, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortBody, err)
	}
	return buf, nil
}

// ReadString reads a length-prefixed, NUL-terminated string: a uint32
// size (including the trailing NUL) followed by that many bytes. The
// final byte must be NUL or the frame is a protocol violation.
func ReadString(r io.Reader) (string, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return "", err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size == 0 {
		return "", fmt.Errorf("%w: zero-length string has no room for NUL", ErrMalformedString)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if buf[size-1] != 0 {
		return "", fmt.Errorf("%w: string not NUL-terminated", ErrMalformedString)
	}
	return string(buf[:size-1]), nil
}

// WriteString writes s as a length-prefixed, NUL-terminated string.
func WriteString(w io.Writer, s string) error {
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(s)+1))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(append([]byte(s), 0))
	return err
}

// StringSize returns the wire size of s as a framed string, including
// its 4-byte length prefix and trailing NUL.
func StringSize(s string) uint32 {
	return uint32(4 + len(s) + 1)
}

// WriteResponse writes the RESPONSE frame: header with command=RESPONSE,
// size = 4+len(errmsg) (with NUL when errmsg != ""), followed by (rc,
// errmsg).
func WriteResponse(w io.Writer, rc int32, errmsg string) error {
	bodySize := uint32(4)
	var errBytes []byte
	if errmsg != "" {
		errBytes = append([]byte(errmsg), 0)
		bodySize += uint32(len(errBytes))
	}

	if err := WriteHeader(w, CmdResponse, bodySize); err != nil {
		return err
	}

	var rcBuf [4]byte
	binary.LittleEndian.PutUint32(rcBuf[:], uint32(rc))
	if _, err := w.Write(rcBuf[:]); err != nil {
		return err
	}
	if len(errBytes) > 0 {
		if _, err := w.Write(errBytes); err != nil {
			return err
		}
	}
	return nil
}
