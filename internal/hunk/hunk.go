// Package hunk is the narrow interface this core consumes from, and hands
// results back to, the surrounding linker (spec.md §1/§6: "the linker's
// overall hunk model and symbol table are consumed via a narrow interface").
// Types here are plain data, modeled on original_source/ImportHandler.cpp's
// Hunk/Symbol construction and saferwall/pe/imports.go's field naming.
package hunk

import (
	"encoding/json"
	"strings"
)

// Flags on a Hunk.
type Flags uint32

const (
	// FlagIsImport marks a hunk as an unresolved import reference: its
	// ImportDLL/ImportName fields are meaningful.
	FlagIsImport Flags = 1 << iota
	// FlagIsWriteable marks a hunk's bytes as writeable at load time.
	FlagIsWriteable
)

// SymbolFlags on a Symbol.
type SymbolFlags uint32

const (
	// SymbolIsRelocatable marks a symbol's value as base-relative.
	SymbolIsRelocatable SymbolFlags = 1 << iota
	// SymbolIsSection marks a symbol as a section-placement marker
	// (".bss", ".data") rather than an ordinary named symbol.
	SymbolIsSection
)

// Symbol is a named offset (or absolute value) inside a Hunk. Section is nil
// for an absolute symbol (e.g. _HashFamily); otherwise it points back at the
// owning Hunk, so it's excluded from JSON to avoid a self-referential cycle.
type Symbol struct {
	Name    string
	Offset  int32
	Flags   SymbolFlags
	Section *Hunk `json:"-"`
}

// MarshalJSON renders Symbol with its section's name instead of the
// (self-referential) *Hunk pointer.
func (s Symbol) MarshalJSON() ([]byte, error) {
	type alias struct {
		Name    string      `json:"name"`
		Offset  int32       `json:"offset"`
		Flags   SymbolFlags `json:"flags"`
		Section string      `json:"section,omitempty"`
	}
	a := alias{Name: s.Name, Offset: s.Offset, Flags: s.Flags}
	if s.Section != nil {
		a.Section = s.Section.Name
	}
	return json.Marshal(a)
}

// Hunk is an object-fragment: raw bytes plus a symbol table, the unit the
// surrounding linker manipulates.
type Hunk struct {
	Name        string
	Flags       Flags
	Data        []byte
	VirtualSize uint32
	Alignment   uint32

	// ImportDLL/ImportName are only meaningful when FlagIsImport is set.
	ImportDLL  string
	ImportName string

	Symbols []Symbol
}

// NewImportHunk builds an unresolved-import hunk the way the linker's front
// end would emit one per external symbol reference.
func NewImportHunk(name, dll, function string) *Hunk {
	return &Hunk{
		Name:       name,
		Flags:      FlagIsImport,
		ImportDLL:  strings.ToLower(dll),
		ImportName: function,
	}
}

// AddSymbol appends a Symbol to the hunk's symbol table.
func (h *Hunk) AddSymbol(s Symbol) {
	h.Symbols = append(h.Symbols, s)
}

// List is an ordered collection of Hunks, the HunkList view spec.md §6
// describes (count plus index access).
type List struct {
	hunks []*Hunk
}

// NewList builds a List from hunks, in order.
func NewList(hunks ...*Hunk) *List {
	return &List{hunks: append([]*Hunk(nil), hunks...)}
}

// Count returns the number of hunks in the list.
func (l *List) Count() int { return len(l.hunks) }

// MarshalJSON renders a List as its ordered hunk slice.
func (l *List) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.hunks)
}

// At returns the hunk at index i.
func (l *List) At(i int) *Hunk { return l.hunks[i] }

// Append adds a hunk to the back of the list.
func (l *List) Append(h *Hunk) { l.hunks = append(l.hunks, h) }

// All returns every hunk in the list, in order.
func (l *List) All() []*Hunk { return l.hunks }

// ImportRef is a collected, resolved-or-forwarded reference to one external
// function: (hunk name, dll, function). DLLName is always lowercase.
type ImportRef struct {
	HunkName     string
	DLLName      string
	FunctionName string
}

// NewImportRef normalizes dll to lowercase, per spec.md §3's ImportRef
// invariant.
func NewImportRef(hunkName, dll, function string) ImportRef {
	return ImportRef{
		HunkName:     hunkName,
		DLLName:      strings.ToLower(dll),
		FunctionName: function,
	}
}
