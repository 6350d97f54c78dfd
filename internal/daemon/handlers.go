// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/saferwall/pesignd/internal/authenticode"
	"github.com/saferwall/pesignd/internal/kmod"
	"github.com/saferwall/pesignd/internal/log"
	"github.com/saferwall/pesignd/internal/pe"
	"github.com/saferwall/pesignd/internal/pesignerr"
	"github.com/saferwall/pesignd/internal/pkcs11token"
)

// Server dispatches framed commands to the Key Provider and the
// Composer, and tracks which tokens have been unlocked in this process.
type Server struct {
	cfg      Config
	provider *pkcs11token.Provider
	tokens   *TokenRegistry
	logger   *log.Helper
}

// NewServer builds a Server around an already-opened Key Provider.
func NewServer(cfg Config, provider *pkcs11token.Provider, logger *log.Helper) *Server {
	return &Server{
		cfg:      cfg,
		provider: provider,
		tokens:   NewTokenRegistry(),
		logger:   logger,
	}
}

// handleConn reads one request frame from conn, dispatches it, and
// writes the corresponding RESPONSE frame. A protocol violation returns
// a non-nil error and the caller must close the connection without
// attempting to write anything further.
func (s *Server) handleConn(conn io.ReadWriter, recvFD func() (*os.File, error)) error {
	hdr, err := ReadHeader(conn)
	if err != nil {
		return err
	}

	switch hdr.Command {
	case CmdKillDaemon:
		// Unauthenticated by design: any local peer able to reach the
		// socket may already request signatures from any unlocked token
		// through the same channel, so gating shutdown specifically buys
		// nothing. See the Open Question resolution.
		return errKillDaemon

	case CmdGetCmdVersion:
		return s.handleGetCmdVersion(conn, hdr)

	case CmdIsTokenUnlocked:
		return s.handleIsTokenUnlocked(conn, hdr)

	case CmdUnlockToken:
		return s.handleUnlockToken(conn, hdr)

	case CmdSignAttached:
		return s.handleSign(conn, hdr, recvFD, true)

	case CmdSignDetached:
		return s.handleSign(conn, hdr, recvFD, false)

	default:
		return fmt.Errorf("%w: unrecognized command %s", ErrBadVersion, hdr.Command)
	}
}

func (s *Server) handleGetCmdVersion(conn io.ReadWriter, hdr Header) error {
	body, err := ReadBody(conn, hdr.Size)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return fmt.Errorf("%w: GET_CMD_VERSION body too short", ErrShortBody)
	}
	queried := Command(leUint32(body))
	return WriteResponse(conn, CommandVersion(queried), "")
}

func (s *Server) handleIsTokenUnlocked(conn io.ReadWriter, hdr Header) error {
	body, err := ReadBody(conn, hdr.Size)
	if err != nil {
		return err
	}
	name, err := ReadString(bytes.NewReader(body))
	if err != nil {
		return err
	}
	if s.tokens.IsUnlocked(name) {
		return WriteResponse(conn, 0, "")
	}
	return WriteResponse(conn, -1, "token not unlocked")
}

func (s *Server) handleUnlockToken(conn io.ReadWriter, hdr Header) error {
	name, err := ReadString(conn)
	if err != nil {
		return err
	}
	pin, err := ReadString(conn)
	if err != nil {
		return err
	}

	tok, err := s.provider.FindToken(name)
	if err != nil {
		return s.respondError(conn, err)
	}
	if err := tok.Authenticate(pin); err != nil {
		return s.respondError(conn, err)
	}
	s.tokens.Add(name)
	return WriteResponse(conn, 0, "")
}

// handleSign implements SIGN_ATTACHED and SIGN_DETACHED. Request layout
// is (format uint32, token-name, cert-nickname), followed by two
// SCM_RIGHTS messages out of band: the input descriptor, then the
// output descriptor. SIGN_ATTACHED copies the input into the output and
// signs the output in place; SIGN_DETACHED leaves the input untouched
// and writes the raw signature DER to the output. Neither path ever
// returns signature bytes inline in the RESPONSE body, matching the
// original daemon's two-descriptor data flow.
func (s *Server) handleSign(conn io.ReadWriter, hdr Header, recvFD func() (*os.File, error), attached bool) error {
	formatBuf, err := ReadBody(conn, 4)
	if err != nil {
		return err
	}
	format := FileFormat(leUint32(formatBuf))

	tokenName, err := ReadString(conn)
	if err != nil {
		return err
	}
	nickname, err := ReadString(conn)
	if err != nil {
		return err
	}
	if nickname == "" {
		nickname = s.cfg.DefaultNickname
	}

	inFile, err := recvFD()
	if err != nil {
		return fmt.Errorf("daemon: receive input fd: %w", err)
	}
	defer inFile.Close()

	outFile, err := recvFD()
	if err != nil {
		return fmt.Errorf("daemon: receive output fd: %w", err)
	}
	defer outFile.Close()

	tok, err := s.provider.FindToken(tokenName)
	if err != nil {
		return s.respondError(conn, err)
	}
	if !tok.IsAuthenticated() {
		return s.respondError(conn, pesignerr.New(pesignerr.AuthFailed, "handleSign", fmt.Errorf("token %q not unlocked", tokenName)))
	}
	key, err := tok.FindCertificate(nickname, true)
	if err != nil {
		return s.respondError(conn, err)
	}

	sign := func(a crypto.Hash, digest []byte) ([]byte, error) {
		return tok.Sign(key, a, digest)
	}
	identity := authenticode.Identity{Certificate: key.Certificate, Sign: sign}

	// SHA-256 is always produced; ComputeSHA1 additionally embeds a
	// SHA-1 signature alongside it for verifiers that predate SHA-256
	// Authenticode support.
	algs := []crypto.Hash{crypto.SHA256}
	if s.cfg.ComputeSHA1 {
		algs = append(algs, crypto.SHA1)
	}

	switch format {
	case FormatPE:
		return s.handleSignPE(conn, inFile, outFile, identity, algs, attached)
	case FormatKernelModule:
		return s.handleSignKmod(conn, inFile, outFile, identity, algs, attached)
	default:
		return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSign", errUnknownFormat))
	}
}

// handleSignPE signs a PE image read from inFile, writing the result to
// outFile. Detached signing computes the digest from inFile (never
// mutated) and writes the raw PKCS#7 DER to outFile, one blob per alg in
// algs, back to back. Attached signing first copies inFile's contents
// into outFile, then signs outFile in place so the input descriptor is
// never touched, mirroring set_up_outpe's copy-then-sign sequence rather
// than mutating the caller's input.
func (s *Server) handleSignPE(conn io.ReadWriter, inFile, outFile *os.File, identity authenticode.Identity, algs []crypto.Hash, attached bool) error {
	if !attached {
		peFile, err := pe.NewFromFile(inFile, &pe.Options{})
		if err != nil {
			return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignPE", err))
		}
		defer peFile.Close()
		if err := peFile.Parse(); err != nil {
			return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignPE", err))
		}

		if err := resetFile(outFile); err != nil {
			return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignPE", err))
		}

		var offset int64
		for _, alg := range algs {
			der, err := authenticode.SignDetached(peFile, identity, alg)
			if err != nil {
				_ = resetFile(outFile)
				return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignPE", err))
			}
			n, err := outFile.WriteAt(der, offset)
			if err != nil {
				_ = resetFile(outFile)
				return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignPE", err))
			}
			offset += int64(n)
		}
		return WriteResponse(conn, 0, "")
	}

	if err := copyFile(outFile, inFile); err != nil {
		return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignPE", err))
	}

	// pe.File.Close unmaps and closes the descriptor it was given, but
	// outFile must survive a failed sign so it can be truncated back to
	// empty; hand the mmap a dup'd descriptor instead of outFile itself.
	mapped, err := dupFile(outFile)
	if err != nil {
		return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignPE", err))
	}
	peFile, err := pe.NewFromFile(mapped, &pe.Options{Writable: true})
	if err != nil {
		mapped.Close()
		return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignPE", err))
	}
	if err := peFile.Parse(); err != nil {
		peFile.Close()
		_ = resetFile(outFile)
		return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignPE", err))
	}

	for _, alg := range algs {
		if err := authenticode.SignAttached(peFile, identity, alg); err != nil {
			peFile.Close()
			if truncErr := resetFile(outFile); truncErr != nil {
				s.logger.Errorf("handleSignPE: truncate after failed sign: %v", truncErr)
			}
			return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignPE", err))
		}
	}
	peFile.Close()
	return WriteResponse(conn, 0, "")
}

// handleSignKmod signs a flat kernel module image. The module_signature
// trailer (and the PKCS#7 DER ahead of it) is written to outFile for
// both attached and detached signing; only the raw module bytes ahead
// of the signature are conditional on attached, matching sign_kmod's
// "if (attached) write_file(...)" guard around an otherwise unconditional
// kmod_write_signature/kmod_write_sig_info pair.
func (s *Server) handleSignKmod(conn io.ReadWriter, inFile, outFile *os.File, identity authenticode.Identity, algs []crypto.Hash, attached bool) error {
	if err := resetFile(outFile); err != nil {
		return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignKmod", err))
	}

	if attached {
		if _, err := inFile.Seek(0, io.SeekStart); err != nil {
			return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignKmod", err))
		}
		if _, err := io.Copy(outFile, inFile); err != nil {
			return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignKmod", err))
		}
	}

	for _, alg := range algs {
		if _, err := inFile.Seek(0, io.SeekStart); err != nil {
			_ = resetFile(outFile)
			return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignKmod", err))
		}
		digest, err := kmod.Digest(inFile, alg)
		if err != nil {
			_ = resetFile(outFile)
			return s.respondError(conn, pesignerr.New(pesignerr.MalformedInput, "handleSignKmod", err))
		}

		sign := func(d []byte) ([]byte, error) { return identity.Sign(alg, d) }
		der, err := kmod.BuildSignedData(identity.Certificate, alg, digest, sign)
		if err != nil {
			_ = resetFile(outFile)
			return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignKmod", err))
		}

		if err := kmod.WriteAttached(outFile, nil, der); err != nil {
			_ = resetFile(outFile)
			return s.respondError(conn, pesignerr.New(pesignerr.CryptoError, "handleSignKmod", err))
		}
	}
	return WriteResponse(conn, 0, "")
}

// resetFile truncates f back to empty and rewinds it, so a failed sign
// never leaves stale bytes ahead of the next write.
func resetFile(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return f.Truncate(0)
}

// copyFile rewinds src and overwrites dst with its full contents.
func copyFile(dst, src *os.File) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := resetFile(dst); err != nil {
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}

// dupFile returns a new *os.File over a dup()'d copy of f's descriptor,
// so the caller can hand the dup away to something that closes it (like
// pe.File.Close's mmap teardown) while keeping f itself open and usable.
func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("daemon: dup fd: %w", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

func (s *Server) respondError(conn io.ReadWriter, err error) error {
	kind := pesignerr.CryptoError
	if perr, ok := err.(*pesignerr.Error); ok {
		kind = perr.Kind
	}
	return WriteResponse(conn, kind.RC(), err.Error())
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// errKillDaemon signals handleConn's caller to shut the listener down
// after this connection closes; it is not a protocol violation.
var errKillDaemon = fmt.Errorf("daemon: kill requested")
