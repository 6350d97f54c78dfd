// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/saferwall/pesignd/internal/log"
	"github.com/saferwall/pesignd/internal/pesignerr"
	"github.com/saferwall/pesignd/internal/pkcs11token"
)

// Run brings the daemon up: binds the listening socket, writes the
// pidfile, drops privileges, opens the Key Provider, installs signal
// handlers, then serves connections until asked to stop. It is
// single-threaded by design, matching the original: every connection is
// handled to completion before the next is accepted.
func Run(cfg Config, logger *log.Helper) error {
	if err := checkAlreadyRunning(cfg.SocketPath); err != nil {
		return err
	}
	_ = os.Remove(cfg.SocketPath)

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return pesignerr.New(pesignerr.Fatal, "daemon.Run", fmt.Errorf("bind socket: %w", err))
	}
	if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
		ln.Close()
		return pesignerr.New(pesignerr.Fatal, "daemon.Run", fmt.Errorf("chmod socket: %w", err))
	}

	if err := writePIDFile(cfg.PIDFile); err != nil {
		ln.Close()
		return pesignerr.New(pesignerr.Fatal, "daemon.Run", err)
	}
	defer os.Remove(cfg.PIDFile)

	if err := dropPrivileges(cfg.User, cfg.Group); err != nil {
		ln.Close()
		return pesignerr.New(pesignerr.Fatal, "daemon.Run", err)
	}

	provider, err := pkcs11token.Open(cfg.PKCS11Module, logger)
	if err != nil {
		ln.Close()
		return err
	}

	srv := NewServer(cfg, provider, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	shouldExit := make(chan struct{})
	go func() {
		<-sigCh
		close(shouldExit)
		ln.Close()
	}()

	logger.Infof("listening on %s", cfg.SocketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-shouldExit:
				logger.Infof("shutting down")
				return nil
			default:
				logger.Errorf("accept: %v", err)
				continue
			}
		}

		kill := srv.serveConn(conn)
		if kill {
			logger.Infof("KILL_DAEMON received, shutting down")
			ln.Close()
			return nil
		}
	}
}

// serveConn handles exactly one request on conn, matching the original
// daemon's per-connection lifecycle: a single command, one response,
// then close. It reports whether the daemon should now exit. Signing
// commands call recvFD twice in sequence: once for the input descriptor,
// once for the output descriptor, each arriving as its own SCM_RIGHTS
// control message.
func (s *Server) serveConn(conn net.Conn) (kill bool) {
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	var recvFD func() (*os.File, error)
	if ok {
		raw, err := unixConn.File()
		if err != nil {
			s.logger.Errorf("serveConn: obtain raw fd: %v", err)
			recvFD = func() (*os.File, error) { return nil, err }
		} else {
			defer raw.Close()
			names := []string{"signing-input", "signing-output"}
			calls := 0
			recvFD = func() (*os.File, error) {
				name := "signing-fd"
				if calls < len(names) {
					name = names[calls]
				}
				calls++
				return RecvFD(int(raw.Fd()), name)
			}
		}
	} else {
		recvFD = func() (*os.File, error) { return nil, fmt.Errorf("daemon: connection is not a unix socket") }
	}

	if err := s.handleConn(conn, recvFD); err != nil {
		if err == errKillDaemon {
			return true
		}
		s.logger.Warnf("connection closed: %v", err)
	}
	return false
}

// checkAlreadyRunning reports ErrAlreadyRunning if another process is
// already listening on socketPath, mirroring the original's trial-
// connect probe rather than relying solely on bind() failing (a stale
// socket file left by a crashed daemon must not block startup).
func checkAlreadyRunning(socketPath string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil
	}
	conn.Close()
	return ErrAlreadyRunning
}

func writePIDFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open pidfile: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

// dropPrivileges drops group then user privileges, refusing to run as
// uid or gid 0 once dropped. It is a no-op when not currently root,
// matching the original's "getuid() == 0" guard.
func dropPrivileges(userName, groupName string) error {
	if os.Getuid() != 0 {
		return nil
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", userName, err)
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return fmt.Errorf("lookup group %q: %w", groupName, err)
	}

	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q: %w", g.Gid, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}

	if uid == 0 || gid == 0 {
		return ErrPrivilegedUser
	}

	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("drop supplementary groups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}
