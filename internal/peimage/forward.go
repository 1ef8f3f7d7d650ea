package peimage

import "strings"

// ForwardKind is the three-way result of a forward lookup. spec.md §9 notes
// that the original getForwardRVA conflates "not forwarded" and "not found"
// into a single NULL/false return; we keep them distinct here.
type ForwardKind int

const (
	// NotForwarded means the export exists and resolves to real code.
	NotForwarded ForwardKind = iota
	// Forwarded means the export's RVA lands inside the export directory,
	// i.e. it's a "DLL.Function" forwarding string.
	Forwarded
	// NotFound means no export by that name exists in the image at all.
	NotFound
)

// ForwardOf locates function in img's export name table and reports whether
// it is a forwarder. On Forwarded, dll and fn hold the lowercased target DLL
// and the target function name, parsed from the forwarder string at the
// first '.' as the original ImportHandler.cpp's getForwardRVA does.
func ForwardOf(img *Image, function string) (dll, fn string, kind ForwardKind) {
	for i, name := range img.names {
		if name != function {
			continue
		}
		ordinal := uint32(img.nameOrdinals[i]) + img.base
		rva, ok := img.FunctionRVA(ordinal)
		if !ok {
			return "", "", NotFound
		}
		if !img.IsForwarded(rva) {
			return "", "", NotForwarded
		}
		fwd, err := img.cString(rva)
		if err != nil {
			return "", "", NotFound
		}
		sep := strings.IndexByte(fwd, '.')
		if sep < 0 {
			return "", "", NotForwarded
		}
		return strings.ToLower(fwd[:sep]), fwd[sep+1:], Forwarded
	}
	return "", "", NotFound
}
