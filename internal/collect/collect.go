// Package collect implements the Import Collector (spec.md §4.4): it scans
// a linker's hunk list for import-flagged hunks and, in standard mode,
// chases forwarded exports until it lands on real code; in 1K mode, it
// rejects forwards outright and requires kernel32 to be present.
package collect

import (
	"fmt"
	"strings"

	"github.com/cnheider/Crinkler/internal/hunk"
	"github.com/cnheider/Crinkler/internal/peimage"
	"github.com/go-kratos/kratos/v2/log"
)

// Standard collects every FlagIsImport hunk from hunks, chasing forwarded
// exports until NotForwarded, and reports whether any collected import's
// DLL is one of rangeDlls (case-insensitively), plus which range DLLs went
// unused.
func Standard(hunks *hunk.List, rangeDlls []string, cache *peimage.Cache, logger *log.Helper) (imports []hunk.ImportRef, enableRangeImport bool, unusedRangeDlls []string, err error) {
	used := make([]bool, len(rangeDlls))

	for i := 0; i < hunks.Count(); i++ {
		h := hunks.At(i)
		if h.Flags&hunk.FlagIsImport == 0 {
			continue
		}

		dll, function := h.ImportDLL, h.ImportName
		for {
			img, openErr := cache.Open(dll)
			if openErr != nil {
				return nil, false, nil, fmt.Errorf("%w: %s: %v", hunk.ErrDllNotFound, dll, openErr)
			}

			fdll, ffunc, kind := peimage.ForwardOf(img, function)
			if kind == peimage.NotFound {
				return nil, false, nil, fmt.Errorf("%w: %s in %s", hunk.ErrExportNotFound, function, dll)
			}
			if kind == peimage.NotForwarded {
				break
			}

			logger.Warnf("%s: import %q from %q uses forwarded RVA, replaced by %q from %q",
				hunk.WarnForwardedImportReplaced, function, dll, ffunc, fdll)
			dll, function = fdll, ffunc
		}

		for j, rangeDll := range rangeDlls {
			if strings.EqualFold(rangeDll, dll) {
				used[j] = true
				enableRangeImport = true
				break
			}
		}

		imports = append(imports, hunk.NewImportRef(h.Name, dll, function))
	}

	for i, rangeDll := range rangeDlls {
		if !used[i] {
			logger.Warnf("%s '%s'", hunk.WarnUnusedRangeDll, rangeDll)
			unusedRangeDlls = append(unusedRangeDlls, rangeDll)
		}
	}

	return imports, enableRangeImport, unusedRangeDlls, nil
}

// OneK collects every FlagIsImport hunk for 1K mode: any forward is a fatal
// error (1K mode does not support forwarded RVAs, spec.md §1 Non-goals),
// and kernel32 must appear among the imports.
func OneK(hunks *hunk.List, cache *peimage.Cache, logger *log.Helper) (imports []hunk.ImportRef, err error) {
	foundKernel32 := false

	for i := 0; i < hunks.Count(); i++ {
		h := hunks.At(i)
		if h.Flags&hunk.FlagIsImport == 0 {
			continue
		}

		if h.ImportDLL == "kernel32" {
			foundKernel32 = true
		}

		img, openErr := cache.Open(h.ImportDLL)
		if openErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", hunk.ErrDllNotFound, h.ImportDLL, openErr)
		}

		_, _, kind := peimage.ForwardOf(img, h.ImportName)
		if kind == peimage.NotFound {
			return nil, fmt.Errorf("%w: %s in %s", hunk.ErrExportNotFound, h.ImportName, h.ImportDLL)
		}
		if kind == peimage.Forwarded {
			return nil, fmt.Errorf("%w: %s in %s", hunk.ErrForwardNotSupported, h.ImportName, h.ImportDLL)
		}

		imports = append(imports, hunk.NewImportRef(h.Name, h.ImportDLL, h.ImportName))
	}

	if !foundKernel32 {
		return nil, hunk.ErrMissingKernel32
	}

	return imports, nil
}
