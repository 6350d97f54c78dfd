// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// SectionSummary is a trimmed-down view of a section, reported by
// Inspect rather than the full ImageSectionHeader.
type SectionSummary struct {
	Name             string  `json:"name"`
	VirtualSize      uint32  `json:"virtual_size"`
	VirtualAddress   uint32  `json:"virtual_address"`
	SizeOfRawData    uint32  `json:"size_of_raw_data"`
	PointerToRawData uint32  `json:"pointer_to_raw_data"`
	Entropy          float64 `json:"entropy,omitempty"`
}

// Metadata is a read-only summary of a PE image, independent of whether
// it is about to be signed. It backs the pesignctl CLI's inspect command,
// which reads the file locally without contacting the daemon.
type Metadata struct {
	Machine        string           `json:"machine"`
	Subsystem      string           `json:"subsystem"`
	OptionalHeader string           `json:"optional_header"`
	EntryPoint     uint32           `json:"entry_point"`
	IsEFI          bool             `json:"is_efi"`
	IsDLL          bool             `json:"is_dll"`
	HasRichHeader  bool             `json:"has_rich_header"`
	RichHeaderHash string           `json:"rich_header_hash,omitempty"`
	IsSigned       bool             `json:"is_signed"`
	SignerSubject  string           `json:"signer_subject,omitempty"`
	SignerIssuer   string           `json:"signer_issuer,omitempty"`
	ChainVerified  bool             `json:"chain_verified"`
	OverlaySize    int64            `json:"overlay_size,omitempty"`
	Sections       []SectionSummary `json:"sections"`
	Anomalies      []string         `json:"anomalies,omitempty"`
}

// Inspect summarizes a parsed PE image for operator-facing tooling. It
// never mutates the image and never touches the certificate table beyond
// what Parse already extracted.
func (pe *File) Inspect() Metadata {
	md := Metadata{
		Machine:       pe.NtHeader.FileHeader.Machine.String(),
		IsEFI:         pe.IsEFI(),
		IsDLL:         pe.IsDLL(),
		HasRichHeader: pe.HasRichHdr,
		IsSigned:      pe.IsSigned,
		ChainVerified: pe.Certificates.Verified,
		Anomalies:     pe.Anomalies,
	}

	md.OptionalHeader = pe.PrettyOptionalHeaderMagic()

	switch pe.Is64 {
	case true:
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		md.Subsystem = oh.Subsystem.String()
		md.EntryPoint = oh.AddressOfEntryPoint
	case false:
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
		md.Subsystem = oh.Subsystem.String()
		md.EntryPoint = oh.AddressOfEntryPoint
	}

	if pe.HasRichHdr {
		md.RichHeaderHash = pe.RichHeaderHash()
	}

	if pe.IsSigned {
		md.SignerSubject = pe.Certificates.Info.Subject
		md.SignerIssuer = pe.Certificates.Info.Issuer
	}

	if pe.OverlayOffset > 0 && uint32(pe.OverlayOffset) < pe.size {
		md.OverlaySize = int64(pe.size) - pe.OverlayOffset
	}

	for _, sec := range pe.Sections {
		md.Sections = append(md.Sections, SectionSummary{
			Name:             sec.String(),
			VirtualSize:      sec.Header.VirtualSize,
			VirtualAddress:   sec.Header.VirtualAddress,
			SizeOfRawData:    sec.Header.SizeOfRawData,
			PointerToRawData: sec.Header.PointerToRawData,
			Entropy:          sec.Entropy,
		})
	}

	return md
}
