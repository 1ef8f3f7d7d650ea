package tinyimport

import (
	"github.com/cnheider/Crinkler/internal/hunk"
	"github.com/cnheider/Crinkler/internal/namehash"
)

// sparseVirtualSize is the fixed reserved size of the 1K-mode import table,
// per spec.md §4.7: large enough to cover the widest possible hash (16 bits,
// 4 bytes/slot) plus headroom; the pages are never actually committed since
// the hunk carries no backing data.
const sparseVirtualSize = 65536 * 256

// Emit builds the 1K-mode _DLLNames and _ImportList hunks from a solved
// Result: DLLs reordered per the constraint solver, a fixed-stride names
// table with kernel32's slot left zero, and a sparse import table keyed by
// H1K(name, family, bits).
func Emit(result *Result, imports []hunk.ImportRef) (*hunk.List, int, error) {
	maxNameLen := 0
	for _, d := range result.Order {
		if l := len(d) + 1; l > maxNameLen {
			maxNameLen = l
		}
	}

	dllNames := make([]byte, 0, maxNameLen*len(result.Order))
	for _, d := range result.Order {
		slot := make([]byte, maxNameLen)
		if d != "kernel32" {
			copy(slot, d)
		}
		dllNames = append(dllNames, slot...)
	}
	dllNamesHunk := &hunk.Hunk{Name: "_DLLNames", Flags: hunk.FlagIsWriteable, Data: dllNames}

	importList := &hunk.Hunk{
		Name:        "_ImportList",
		Flags:       hunk.FlagIsWriteable,
		VirtualSize: sparseVirtualSize,
		Alignment:   4,
	}
	importList.AddSymbol(hunk.Symbol{Name: "_HashFamily", Offset: int32(result.Family.Value)})
	for _, ref := range imports {
		offset := int32(namehash.H1K(ref.FunctionName, result.Family.Value, result.Family.Bits) * 4)
		importList.AddSymbol(hunk.Symbol{
			Name:    ref.HunkName,
			Offset:  offset,
			Flags:   hunk.SymbolIsRelocatable,
			Section: importList,
		})
	}

	return hunk.NewList(dllNamesHunk, importList), maxNameLen, nil
}
