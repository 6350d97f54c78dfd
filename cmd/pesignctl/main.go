// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command pesignctl is a test and operations client for pesignd: it
// speaks the same framed Unix-socket protocol the daemon serves and
// exercises unlock, sign, and query requests from the command line.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/saferwall/pesignd/internal/daemon"
	"github.com/saferwall/pesignd/internal/pe"
)

var socketPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pesignctl",
		Short: "Client for the pesignd signing daemon",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/pesign/socket", "path to the daemon's Unix domain socket")

	cmd.AddCommand(newUnlockCmd())
	cmd.AddCommand(newSignCmd())
	cmd.AddCommand(newIsUnlockedCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInspectCmd())
	return cmd
}

func dial() (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return net.DialUnix("unix", nil, addr)
}

func readResponse(conn io.Reader) (int32, string, error) {
	hdr, err := daemon.ReadHeader(conn)
	if err != nil {
		return 0, "", err
	}
	body, err := daemon.ReadBody(conn, hdr.Size)
	if err != nil {
		return 0, "", err
	}
	if len(body) < 4 {
		return 0, "", fmt.Errorf("short response body")
	}
	rc := int32(binary.LittleEndian.Uint32(body[0:4]))
	return rc, string(body[4:]), nil
}

func newUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <token> <pin>",
		Short: "Authenticate against a token, unlocking it for this daemon's lifetime",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := daemon.WriteHeader(conn, daemon.CmdUnlockToken,
				daemon.StringSize(args[0])+daemon.StringSize(args[1])); err != nil {
				return err
			}
			if err := daemon.WriteString(conn, args[0]); err != nil {
				return err
			}
			if err := daemon.WriteString(conn, args[1]); err != nil {
				return err
			}

			rc, msg, err := readResponse(conn)
			if err != nil {
				return err
			}
			if rc != 0 {
				return fmt.Errorf("unlock failed (rc=%d): %s", rc, msg)
			}
			fmt.Println("token unlocked")
			return nil
		},
	}
	return cmd
}

func newIsUnlockedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "is-unlocked <token>",
		Short: "Check whether a token has already been unlocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := daemon.WriteHeader(conn, daemon.CmdIsTokenUnlocked, daemon.StringSize(args[0])); err != nil {
				return err
			}
			if err := daemon.WriteString(conn, args[0]); err != nil {
				return err
			}

			rc, msg, err := readResponse(conn)
			if err != nil {
				return err
			}
			if rc == 0 {
				fmt.Println("unlocked")
				return nil
			}
			fmt.Printf("locked: %s\n", msg)
			return nil
		},
	}
	return cmd
}

func newVersionCmd() *cobra.Command {
	var query uint32
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Query the daemon's supported version for a command",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := daemon.WriteHeader(conn, daemon.CmdGetCmdVersion, 4); err != nil {
				return err
			}
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], query)
			if _, err := conn.Write(buf[:]); err != nil {
				return err
			}

			rc, _, err := readResponse(conn)
			if err != nil {
				return err
			}
			fmt.Printf("version: %d\n", rc)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&query, "command", uint32(daemon.CmdSignAttached), "numeric command id to query")
	return cmd
}

func newSignCmd() *cobra.Command {
	var (
		token, nickname, output string
		detached                bool
		kernelModule            bool
	)
	cmd := &cobra.Command{
		Use:   "sign <file>",
		Short: "Sign a PE image or kernel module through the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("--output is required: the daemon writes its result there rather than mutating the input")
			}

			in, err := os.OpenFile(args[0], os.O_RDONLY, 0)
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.OpenFile(output, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			defer out.Close()

			unixConn, err := dial()
			if err != nil {
				return err
			}
			defer unixConn.Close()

			format := daemon.FormatPE
			if kernelModule {
				format = daemon.FormatKernelModule
			}

			command := daemon.CmdSignAttached
			if detached {
				command = daemon.CmdSignDetached
			}

			size := 4 + daemon.StringSize(token) + daemon.StringSize(nickname)
			if err := daemon.WriteHeader(unixConn, command, size); err != nil {
				return err
			}
			var formatBuf [4]byte
			binary.LittleEndian.PutUint32(formatBuf[:], uint32(format))
			if _, err := unixConn.Write(formatBuf[:]); err != nil {
				return err
			}
			if err := daemon.WriteString(unixConn, token); err != nil {
				return err
			}
			if err := daemon.WriteString(unixConn, nickname); err != nil {
				return err
			}

			rawFD, err := unixConn.File()
			if err != nil {
				return err
			}
			defer rawFD.Close()
			if err := daemon.SendFD(int(rawFD.Fd()), in); err != nil {
				return fmt.Errorf("send input fd: %w", err)
			}
			if err := daemon.SendFD(int(rawFD.Fd()), out); err != nil {
				return fmt.Errorf("send output fd: %w", err)
			}

			rc, msg, err := readResponse(unixConn)
			if err != nil {
				return err
			}
			if rc != 0 {
				return fmt.Errorf("sign failed (rc=%d): %s", rc, msg)
			}
			if detached {
				fmt.Printf("detached signature written to %s\n", output)
				return nil
			}
			fmt.Printf("signed copy written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token name")
	cmd.Flags().StringVar(&nickname, "nickname", "", "certificate/key nickname")
	cmd.Flags().StringVar(&output, "output", "", "path to receive the signed output (attached: a signed copy; detached: the raw signature)")
	cmd.Flags().BoolVar(&detached, "detached", false, "produce a detached signature instead of a signed copy")
	cmd.Flags().BoolVar(&kernelModule, "kernel-module", false, "sign as a kernel module rather than a PE image")
	return cmd
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Dump PE metadata without contacting the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peFile, err := pe.New(args[0], &pe.Options{SectionEntropy: true})
			if err != nil {
				return err
			}
			defer peFile.Close()

			if err := peFile.Parse(); err != nil {
				return err
			}

			out, err := json.MarshalIndent(peFile.Inspect(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
