// Package stdimport implements the Standard Emitter (spec.md §4.5): it
// orders collected imports by DLL priority and ordinal, groups them by DLL,
// range-compresses contiguous ordinals for range DLLs, and emits the
// _ImportList, _DLLNames, and H32 hash-array hunks the standard-mode stub
// walks at load time.
package stdimport

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/cnheider/Crinkler/internal/hunk"
	"github.com/cnheider/Crinkler/internal/namehash"
	"github.com/cnheider/Crinkler/internal/peimage"
)

const maxRangeSpan = 254

// rangeTerminator is the sentinel byte ending the DLL-names buffer.
const rangeTerminator = 0xFF

type resolved struct {
	ref     hunk.ImportRef
	ordinal uint32
}

// dllKey orders kernel32 first, user32 second, everything else lexicographically.
func dllKey(name string) int {
	switch name {
	case "kernel32":
		return 0
	case "user32":
		return 1
	default:
		return 2
	}
}

func dllLess(a, b string) bool {
	ak, bk := dllKey(a), dllKey(b)
	if ak != bk {
		return ak < bk
	}
	return a < b
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// Emit builds the three standard-mode hunks from a collector's flat import
// list. enableRangeImport is the global flag collect.Standard reports: it
// gates whether range-count bytes are written at all, even for entries that
// individually qualify for range absorption (spec.md §9's preserved quirk).
func Emit(imports []hunk.ImportRef, rangeDlls []string, enableRangeImport bool, cache *peimage.Cache) (*hunk.List, *hunk.Hunk, error) {
	entries := make([]resolved, len(imports))
	for i, ref := range imports {
		img, err := cache.Open(ref.DLLName)
		if err != nil {
			return nil, nil, err
		}
		ord, err := img.Ordinal(ref.FunctionName)
		if err != nil {
			return nil, nil, err
		}
		entries[i] = resolved{ref: ref, ordinal: ord}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ref.DLLName != entries[j].ref.DLLName {
			return dllLess(entries[i].ref.DLLName, entries[j].ref.DLLName)
		}
		return entries[i].ordinal < entries[j].ordinal
	})

	importList := &hunk.Hunk{Name: "_ImportList", Flags: hunk.FlagIsWriteable, Alignment: 16}
	var dllNames []byte
	var hashes []uint32
	var pos uint32

	i := 0
	for i < len(entries) {
		dll := entries[i].ref.DLLName
		j := i
		for j < len(entries) && entries[j].ref.DLLName == dll {
			j++
		}
		run := entries[i:j]
		i = j

		isKernel32 := dll == "kernel32"
		isRangeDLL := containsFold(rangeDlls, dll)

		var counterIdx int
		if !isKernel32 {
			dllNames = append(dllNames, []byte(strings.ToLower(dll))...)
			dllNames = append(dllNames, 0)
			counterIdx = len(dllNames)
			dllNames = append(dllNames, 0)
		}

		k := 0
		for k < len(run) {
			start := run[k].ordinal
			groupEnd := k + 1
			if isRangeDLL {
				for groupEnd < len(run) && run[groupEnd].ordinal <= start+maxRangeSpan-1 {
					groupEnd++
				}
			}
			group := run[k:groupEnd]
			last := group[len(group)-1].ordinal

			for _, g := range group {
				hashes = append(hashes, namehash.H32(g.ref.FunctionName))
				offset := int32((pos + (g.ordinal - start)) * 4)
				importList.AddSymbol(hunk.Symbol{
					Name:    g.ref.HunkName,
					Offset:  offset,
					Flags:   hunk.SymbolIsRelocatable,
					Section: importList,
				})
				if !isKernel32 {
					dllNames[counterIdx]++
				}
			}

			pos += last - start + 1
			if enableRangeImport {
				dllNames = append(dllNames, byte(last-start+1))
			}

			k = groupEnd
		}
	}

	dllNames = append(dllNames, rangeTerminator)

	importList.VirtualSize = pos * 4

	dllNamesHunk := &hunk.Hunk{Name: "_DLLNames", Flags: hunk.FlagIsWriteable, Data: dllNames}

	hashData := make([]byte, len(hashes)*4)
	for i, h := range hashes {
		binary.LittleEndian.PutUint32(hashData[i*4:], h)
	}
	hashHunk := &hunk.Hunk{Name: "HashHunk", Data: hashData}

	return hunk.NewList(importList, dllNamesHunk), hashHunk, nil
}
