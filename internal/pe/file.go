// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/saferwall/pesignd/internal/log"
)

// A File represents an open PE file, mapped into memory.
type File struct {
	DOSHeader    ImageDOSHeader `json:"dos_header,omitempty"`
	RichHeader   RichHeader     `json:"rich_header,omitempty"`
	NtHeader     ImageNtHeader  `json:"nt_header,omitempty"`
	Sections     []Section      `json:"sections,omitempty"`
	Certificates Certificate    `json:"certificates,omitempty"`
	Anomalies    []string       `json:"anomalies,omitempty"`
	Header       []byte
	data         mmap.MMap
	FileInfo
	size          uint32
	OverlayOffset int64
	f             *os.File
	opts          *Options
	logger        *log.Helper
}

// Options control how a PE image is parsed and how strictly its existing
// signature is validated.
type Options struct {
	// Fast parses only the PE header and section table, skipping the
	// certificate directory. Useful for a quick IsSigned probe.
	Fast bool

	// SectionEntropy computes per-section Shannon entropy.
	SectionEntropy bool

	// DisableCertValidation skips building the x509 chain of trust for an
	// existing signature.
	DisableCertValidation bool

	// DisableSignatureValidation is accepted but not consulted: Parse
	// never recomputes the Authenticode digest of an existing signature.
	DisableSignatureValidation bool

	// Writable memory-maps the file read-write, required before an
	// in-place attached signature can be appended.
	Writable bool

	// Logger is a custom logger; if nil, a stderr logger filtered to
	// error level is used.
	Logger log.Logger
}

func newLogger(opts *Options) *log.Helper {
	if opts.Logger != nil {
		return log.NewHelper(opts.Logger)
	}
	logger := log.NewStdLogger(os.Stderr)
	return log.NewHelper(log.NewFilter(logger, log.FilterLevel(log.LevelError)))
}

func normalizeOptions(opts *Options) *Options {
	if opts == nil {
		return &Options{}
	}
	return opts
}

// New opens a PE file by path and memory-maps it, read-only unless
// Options.Writable is set.
func New(name string, opts *Options) (*File, error) {
	flag := os.O_RDONLY
	mapFlag := mmap.RDONLY
	opts = normalizeOptions(opts)
	if opts.Writable {
		flag = os.O_RDWR
		mapFlag = mmap.RDWR
	}

	f, err := os.OpenFile(name, flag, 0)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mapFlag, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := File{opts: opts, logger: newLogger(opts)}
	file.data = data
	file.size = uint32(len(file.data))
	file.f = f
	return &file, nil
}

// NewFromFile memory-maps an already-open descriptor, used by the daemon
// when the input arrives as a file descriptor passed over a Unix socket
// rather than a path it can reopen itself.
func NewFromFile(f *os.File, opts *Options) (*File, error) {
	opts = normalizeOptions(opts)
	mapFlag := mmap.RDONLY
	if opts.Writable {
		mapFlag = mmap.RDWR
	}

	data, err := mmap.Map(f, mapFlag, 0)
	if err != nil {
		return nil, err
	}

	file := File{opts: opts, logger: newLogger(opts)}
	file.data = data
	file.size = uint32(len(file.data))
	file.f = f
	return &file, nil
}

// NewBytes wraps an in-memory buffer, used by tests. The daemon maps the
// descriptors it receives with NewFromFile instead.
func NewBytes(data []byte, opts *Options) (*File, error) {
	opts = normalizeOptions(opts)
	file := File{opts: opts, logger: newLogger(opts)}
	file.data = data
	file.size = uint32(len(file.data))
	return &file, nil
}

// Close unmaps the file and releases the underlying descriptor.
func (pe *File) Close() error {
	if pe.data != nil {
		_ = pe.data.Unmap()
	}
	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// Parse walks the DOS header, Rich header, NT header, section table and
// (unless Fast is set) the certificate directory.
func (pe *File) Parse() error {
	if len(pe.data) < TinyPESize {
		return ErrInvalidPESize
	}

	if err := pe.ParseDOSHeader(); err != nil {
		return err
	}

	if err := pe.ParseRichHeader(); err != nil {
		pe.logger.Errorf("rich header parsing failed: %v", err)
	}

	if err := pe.ParseNTHeader(); err != nil {
		return err
	}

	if err := pe.ParseSectionHeader(); err != nil {
		return err
	}

	if pe.opts.Fast {
		return nil
	}

	return pe.parseCertificateDirectory()
}

// parseCertificateDirectory dispatches to the certificate table parser
// when the corresponding data directory entry is non-empty. The original
// multi-directory dispatch table is gone along with the directories it
// served; this signer only ever looks at one entry.
func (pe *File) parseCertificateDirectory() error {
	var dirEntry DataDirectory
	switch pe.Is64 {
	case true:
		dirEntry = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).DataDirectory[ImageDirectoryEntryCertificate]
	case false:
		dirEntry = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).DataDirectory[ImageDirectoryEntryCertificate]
	}

	if dirEntry.VirtualAddress == 0 || dirEntry.Size == 0 {
		return nil
	}

	func() {
		defer func() {
			if e := recover(); e != nil {
				pe.logger.Errorf("unhandled exception parsing certificate directory: %v", e)
			}
		}()
		if err := pe.parseSecurityDirectory(dirEntry.VirtualAddress, dirEntry.Size); err != nil {
			pe.logger.Warnf("failed to parse certificate directory: %v", err)
		}
	}()

	return nil
}
