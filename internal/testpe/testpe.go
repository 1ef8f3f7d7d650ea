// Package testpe builds minimal synthetic PE32 DLL images for tests, so
// internal/peimage and its consumers can be exercised without shipping real
// Windows DLLs in the repository — exactly the portability goal spec.md
// §4.1 calls out ("so the core is portable to test harnesses that supply
// synthetic PE blobs").
package testpe

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
)

// Export describes one named export. If Forward is non-empty the export is
// a forwarder to "DLL.Function"; otherwise it resolves to a placeholder
// code address that is never dereferenced.
type Export struct {
	Name    string
	Forward string
}

// Spec describes the export table of a synthetic DLL. Ordinals are assigned
// sequentially starting at Base (default 1), one per Export, in the order
// given.
type Spec struct {
	Base    uint32
	Exports []Export
}

const sectionStart = 0x400

// Build serializes spec into a minimal, well-formed PE32 image: a DOS/NT
// header pair, one data section holding an IMAGE_EXPORT_DIRECTORY plus its
// three parallel tables and all name/forwarder strings.
func Build(spec Spec) []byte {
	base := spec.Base
	if base == 0 {
		base = 1
	}
	n := uint32(len(spec.Exports))

	headerLen := 40 + int(n)*4 + int(n)*4 + int(n)*2
	nameOffsets := make([]uint32, n)
	forwardOffsets := make([]uint32, n)

	var tail bytes.Buffer
	for i, e := range spec.Exports {
		nameOffsets[i] = uint32(headerLen) + uint32(tail.Len())
		tail.WriteString(e.Name)
		tail.WriteByte(0)
	}
	for i, e := range spec.Exports {
		if e.Forward == "" {
			continue
		}
		forwardOffsets[i] = uint32(headerLen) + uint32(tail.Len())
		tail.WriteString(e.Forward)
		tail.WriteByte(0)
	}

	bodyLen := headerLen + tail.Len()
	body := make([]byte, bodyLen)

	addrFunctions := uint32(40)
	addrNames := addrFunctions + n*4
	addrOrdinals := addrNames + n*4

	binary.LittleEndian.PutUint32(body[16:20], base)
	binary.LittleEndian.PutUint32(body[20:24], n)
	binary.LittleEndian.PutUint32(body[24:28], n)
	binary.LittleEndian.PutUint32(body[28:32], sectionStart+addrFunctions)
	binary.LittleEndian.PutUint32(body[32:36], sectionStart+addrNames)
	binary.LittleEndian.PutUint32(body[36:40], sectionStart+addrOrdinals)

	for i, e := range spec.Exports {
		var fnRVA uint32
		if e.Forward != "" {
			fnRVA = sectionStart + forwardOffsets[i]
		} else {
			fnRVA = 0x00900000 + uint32(i)
		}
		binary.LittleEndian.PutUint32(body[int(addrFunctions)+i*4:], fnRVA)
		binary.LittleEndian.PutUint32(body[int(addrNames)+i*4:], sectionStart+nameOffsets[i])
		binary.LittleEndian.PutUint16(body[int(addrOrdinals)+i*2:], uint16(i))
	}
	copy(body[headerLen:], tail.Bytes())

	exportDirSize := uint32(bodyLen)

	header := make([]byte, sectionStart)
	const lfanew = 0x40
	binary.LittleEndian.PutUint16(header[0:2], 0x5A4D) // "MZ"
	binary.LittleEndian.PutUint32(header[0x3C:0x40], lfanew)

	ntOff := uint32(lfanew)
	binary.LittleEndian.PutUint32(header[ntOff:ntOff+4], 0x00004550) // "PE\0\0"

	coffOff := ntOff + 4
	const optHeaderSize = 224
	binary.LittleEndian.PutUint16(header[coffOff:coffOff+2], 0x14c) // IMAGE_FILE_MACHINE_I386
	binary.LittleEndian.PutUint16(header[coffOff+2:coffOff+4], 1)   // NumberOfSections
	binary.LittleEndian.PutUint16(header[coffOff+16:coffOff+18], optHeaderSize)
	binary.LittleEndian.PutUint16(header[coffOff+18:coffOff+20], 0x2102)

	optOff := coffOff + 20
	binary.LittleEndian.PutUint16(header[optOff:optOff+2], 0x10b) // PE32 magic
	binary.LittleEndian.PutUint32(header[optOff+92:optOff+96], 16)

	dataDirOff := optOff + 96
	binary.LittleEndian.PutUint32(header[dataDirOff:dataDirOff+4], sectionStart)
	binary.LittleEndian.PutUint32(header[dataDirOff+4:dataDirOff+8], exportDirSize)

	sectionHeaderOff := optOff + optHeaderSize
	copy(header[sectionHeaderOff:sectionHeaderOff+8], []byte(".edata\x00\x00"))
	binary.LittleEndian.PutUint32(header[sectionHeaderOff+8:sectionHeaderOff+12], uint32(bodyLen))
	binary.LittleEndian.PutUint32(header[sectionHeaderOff+12:sectionHeaderOff+16], sectionStart)
	binary.LittleEndian.PutUint32(header[sectionHeaderOff+16:sectionHeaderOff+20], uint32(bodyLen))
	binary.LittleEndian.PutUint32(header[sectionHeaderOff+20:sectionHeaderOff+24], sectionStart)

	full := make([]byte, 0, len(header)+len(body))
	full = append(full, header...)
	full = append(full, body...)
	return full
}

// WriteDLL serializes spec and writes it to dir/filename, returning the
// full path.
func WriteDLL(dir, filename string, spec Spec) (string, error) {
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, Build(spec), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
