// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package peimage implements the DLL Image Reader: given a DLL name it maps
// the file read-only and exposes its export directory (name table,
// name-to-ordinal table, function RVA table) without relocating or
// initializing the image, matching a loader that opens the DLL "as a data
// file with unresolved references".
package peimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/djherbis/times"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-kratos/kratos/v2/log"
)

// Errors reported while opening or parsing a DLL image.
var (
	ErrTooSmall          = errors.New("peimage: file too small to contain a DOS header")
	ErrNotDOSImage       = errors.New("peimage: DOS header magic not found")
	ErrNotPEImage        = errors.New("peimage: PE signature not found")
	ErrNot32BitImage     = errors.New("peimage: optional header is not PE32 (64-bit PE is out of scope)")
	ErrOutsideBoundary   = errors.New("peimage: read outside file boundary")
	ErrRVAOutOfSections  = errors.New("peimage: RVA does not map to any section")
	ErrExportNameMissing = errors.New("peimage: export name not found")
)

const (
	imageDOSSignature = 0x5A4D   // "MZ"
	imageNTSignature  = 0x4550   // "PE" (the trailing \0\0 is implied by reading a uint32 at the NT header offset)
	imageNTMagicPE32  = 0x10b
)

const dosLfanewOffset = 0x3C

// ImageFileHeader is the COFF header, named and laid out as in
// saferwall/pe's ntheader.go.
type ImageFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// DataDirectory mirrors saferwall/pe's ntheader.go DataDirectory.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// ImageOptionalHeader32 carries only the fields this reader needs: the magic
// (to reject PE32+) and the data directory array (entry 0 is exports).
type ImageOptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [16]DataDirectory
}

// ImageSectionHeader mirrors saferwall/pe's section.go ImageSectionHeader,
// trimmed to the fields rvaToOffset needs.
type ImageSectionHeader struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// ImageExportDirectory mirrors the IMAGE_EXPORT_DIRECTORY fields exercised
// by saferwall/pe's exports_test.go.
type ImageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ExportFunction is a single entry in the name-ordered export table,
// matching saferwall/pe's exports_test.go ExportFunction shape.
type ExportFunction struct {
	Name         string
	Ordinal      uint32
	FunctionRVA  uint32
	NameRVA      uint32
	Forwarder    string
	ForwarderRVA uint32
}

// Image is a parsed, read-only view of a mapped DLL. Addresses are RVAs
// relative to the module base; the image is never relocated or initialized.
type Image struct {
	Path string

	data     mmap.MMap
	f        *os.File
	sections []ImageSectionHeader

	ExportDirRVA  uint32
	ExportDirSize uint32

	base         uint32
	names        []string // in AddressOfNames order
	nameOrdinals []uint16 // parallel to names; ordinal = nameOrdinals[i] + base
	functionRVAs []uint32 // indexed by ordinal - base

	log *log.Helper
}

// Open maps name read-only and parses its export directory.
func Open(name string, logger *log.Helper) (img *Image, err error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	if ts, terr := times.Stat(name); terr == nil {
		logger.Debugf("peimage: opening %s (modified %s)", name, ts.ModTime())
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	defer func() {
		if err != nil {
			_ = data.Unmap()
			f.Close()
		}
	}()

	if mt := mimetype.Detect(data); !looksLikePE(mt) {
		logger.Warnf("peimage: %s does not look like a PE image (detected %s)", name, mt.String())
	}

	img = &Image{Path: name, data: data, f: f, log: logger}
	if err = img.parse(); err != nil {
		return nil, fmt.Errorf("peimage: %s: %w", name, err)
	}
	return img, nil
}

func looksLikePE(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/vnd.microsoft.portable-executable") || m.Is("application/x-msdownload") {
			return true
		}
	}
	return false
}

// Close releases the memory mapping and the underlying file handle.
func (img *Image) Close() error {
	if img.data != nil {
		_ = img.data.Unmap()
	}
	if img.f != nil {
		return img.f.Close()
	}
	return nil
}

func (img *Image) structUnpack(v interface{}, offset, size uint32) error {
	total := offset + size
	if (total > offset) != (size > 0) {
		return ErrOutsideBoundary
	}
	if offset >= uint32(len(img.data)) || total > uint32(len(img.data)) {
		return ErrOutsideBoundary
	}
	return binary.Read(bytes.NewReader(img.data[offset:total]), binary.LittleEndian, v)
}

func (img *Image) u32(offset uint32) (uint32, error) {
	var v uint32
	if err := img.structUnpack(&v, offset, 4); err != nil {
		return 0, err
	}
	return v, nil
}

func (img *Image) u16(offset uint32) (uint16, error) {
	var v uint16
	if err := img.structUnpack(&v, offset, 2); err != nil {
		return 0, err
	}
	return v, nil
}

func (img *Image) parse() error {
	if len(img.data) < 64 {
		return ErrTooSmall
	}

	magic, err := img.u16(0)
	if err != nil {
		return err
	}
	if magic != imageDOSSignature {
		return ErrNotDOSImage
	}

	lfanew, err := img.u32(dosLfanewOffset)
	if err != nil {
		return err
	}

	sig, err := img.u32(lfanew)
	if err != nil {
		return err
	}
	if sig&0xFFFF != imageNTSignature {
		return ErrNotPEImage
	}

	coffOff := lfanew + 4
	var coff ImageFileHeader
	if err := img.structUnpack(&coff, coffOff, uint32(binary.Size(coff))); err != nil {
		return err
	}

	optOff := coffOff + uint32(binary.Size(coff))
	var opt ImageOptionalHeader32
	if err := img.structUnpack(&opt, optOff, uint32(binary.Size(opt))); err != nil {
		return err
	}
	if opt.Magic != imageNTMagicPE32 {
		return ErrNot32BitImage
	}

	sectionsOff := optOff + uint32(coff.SizeOfOptionalHeader)
	img.sections = make([]ImageSectionHeader, 0, coff.NumberOfSections)
	for i := 0; i < int(coff.NumberOfSections); i++ {
		var sec ImageSectionHeader
		off := sectionsOff + uint32(i)*uint32(binary.Size(sec))
		if err := img.structUnpack(&sec, off, uint32(binary.Size(sec))); err != nil {
			return err
		}
		img.sections = append(img.sections, sec)
	}

	exportDir := opt.DataDirectory[0]
	img.ExportDirRVA = exportDir.VirtualAddress
	img.ExportDirSize = exportDir.Size
	if exportDir.VirtualAddress == 0 {
		return nil
	}
	return img.parseExportDirectory(exportDir.VirtualAddress)
}

func sectionSpan(s ImageSectionHeader) uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return s.SizeOfRawData
}

// rvaToOffset translates a relative virtual address to a file offset by
// locating the section containing it, as saferwall/pe's helper.go does in
// GetOffsetFromRva.
func (img *Image) rvaToOffset(rva uint32) (uint32, error) {
	for _, s := range img.sections {
		span := sectionSpan(s)
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+span {
			return rva - s.VirtualAddress + s.PointerToRawData, nil
		}
	}
	return 0, ErrRVAOutOfSections
}

func (img *Image) cString(rva uint32) (string, error) {
	off, err := img.rvaToOffset(rva)
	if err != nil {
		return "", err
	}
	end := off
	for end < uint32(len(img.data)) && img.data[end] != 0 {
		end++
	}
	if end >= uint32(len(img.data)) {
		return "", ErrOutsideBoundary
	}
	return string(img.data[off:end]), nil
}

func (img *Image) parseExportDirectory(rva uint32) error {
	off, err := img.rvaToOffset(rva)
	if err != nil {
		return err
	}

	var dir ImageExportDirectory
	if err := img.structUnpack(&dir, off, uint32(binary.Size(dir))); err != nil {
		return err
	}
	img.base = dir.Base

	funcsOff, err := img.rvaToOffset(dir.AddressOfFunctions)
	if err != nil {
		return err
	}
	img.functionRVAs = make([]uint32, dir.NumberOfFunctions)
	for i := range img.functionRVAs {
		v, err := img.u32(funcsOff + uint32(i)*4)
		if err != nil {
			return err
		}
		img.functionRVAs[i] = v
	}

	namesOff, err := img.rvaToOffset(dir.AddressOfNames)
	if err != nil {
		return err
	}
	ordOff, err := img.rvaToOffset(dir.AddressOfNameOrdinals)
	if err != nil {
		return err
	}

	img.names = make([]string, dir.NumberOfNames)
	img.nameOrdinals = make([]uint16, dir.NumberOfNames)
	for i := 0; i < int(dir.NumberOfNames); i++ {
		nameRVA, err := img.u32(namesOff + uint32(i)*4)
		if err != nil {
			return err
		}
		name, err := img.cString(nameRVA)
		if err != nil {
			return err
		}
		ord, err := img.u16(ordOff + uint32(i)*2)
		if err != nil {
			return err
		}
		img.names[i] = name
		img.nameOrdinals[i] = ord
	}
	return nil
}

// Base returns the export directory's starting ordinal.
func (img *Image) Base() uint32 { return img.base }

// Ordinal resolves function to its numeric ordinal by linear search of the
// export name table, exactly as the original ImportHandler.cpp's getOrdinal
// does.
func (img *Image) Ordinal(function string) (uint32, error) {
	for i, name := range img.names {
		if name == function {
			return uint32(img.nameOrdinals[i]) + img.base, nil
		}
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrExportNameMissing, function, img.Path)
}

// FunctionRVA returns the function RVA stored at the given ordinal.
func (img *Image) FunctionRVA(ordinal uint32) (uint32, bool) {
	idx := int(ordinal) - int(img.base)
	if idx < 0 || idx >= len(img.functionRVAs) {
		return 0, false
	}
	return img.functionRVAs[idx], true
}

// IsForwarded reports whether rva lies inside the export directory itself,
// which per the PE format means it's a forwarder string rather than code.
func (img *Image) IsForwarded(rva uint32) bool {
	return rva >= img.ExportDirRVA && rva < img.ExportDirRVA+img.ExportDirSize
}

// Exports returns every named export, in export-directory order, annotated
// with its forwarder string when the function RVA is a forward.
func (img *Image) Exports() ([]ExportFunction, error) {
	out := make([]ExportFunction, 0, len(img.names))
	for i, name := range img.names {
		ordinal := uint32(img.nameOrdinals[i]) + img.base
		rva, ok := img.FunctionRVA(ordinal)
		if !ok {
			continue
		}
		entry := ExportFunction{Name: name, Ordinal: ordinal, FunctionRVA: rva}
		if img.IsForwarded(rva) {
			fw, err := img.cString(rva)
			if err != nil {
				return nil, err
			}
			entry.Forwarder = fw
			entry.ForwarderRVA = rva
		}
		out = append(out, entry)
	}
	return out, nil
}
