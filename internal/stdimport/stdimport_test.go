package stdimport

import (
	"bytes"
	"testing"

	"github.com/cnheider/Crinkler/internal/calog"
	"github.com/cnheider/Crinkler/internal/hunk"
	"github.com/cnheider/Crinkler/internal/namehash"
	"github.com/cnheider/Crinkler/internal/peimage"
	"github.com/cnheider/Crinkler/internal/testpe"
)

func writeDLL(t *testing.T, dir, name string, spec testpe.Spec) {
	t.Helper()
	if _, err := testpe.WriteDLL(dir, name, spec); err != nil {
		t.Fatalf("WriteDLL(%s): %v", name, err)
	}
}

func symbolOffset(t *testing.T, h *hunk.Hunk, name string) int32 {
	t.Helper()
	for _, s := range h.Symbols {
		if s.Name == name {
			return s.Offset
		}
	}
	t.Fatalf("symbol %q not found in hunk %s", name, h.Name)
	return 0
}

// TestMinimalStandard reproduces spec.md §8 scenario 1.
func TestMinimalStandard(t *testing.T) {
	dir := t.TempDir()
	writeDLL(t, dir, "kernel32.dll", testpe.Spec{Exports: []testpe.Export{{Name: "ExitProcess"}}})
	writeDLL(t, dir, "user32.dll", testpe.Spec{Exports: []testpe.Export{{Name: "MessageBoxA"}}})

	cache := peimage.NewCache([]string{dir}, calog.NewStd())
	defer cache.Close()

	imports := []hunk.ImportRef{
		hunk.NewImportRef("h1", "kernel32", "ExitProcess"),
		hunk.NewImportRef("h2", "user32", "MessageBoxA"),
	}

	hunks, hashHunk, err := Emit(imports, nil, false, cache)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if hunks.Count() != 2 {
		t.Fatalf("hunks.Count() = %d, want 2", hunks.Count())
	}
	importList := hunks.At(0)
	dllNames := hunks.At(1)

	if importList.Name != "_ImportList" || dllNames.Name != "_DLLNames" {
		t.Fatalf("unexpected hunk order: %s, %s", importList.Name, dllNames.Name)
	}

	if off := symbolOffset(t, importList, "h1"); off != 0 {
		t.Fatalf("h1 offset = %d, want 0", off)
	}
	if off := symbolOffset(t, importList, "h2"); off != 4 {
		t.Fatalf("h2 offset = %d, want 4", off)
	}

	want := append([]byte("user32\x00\x01"), 0xFF)
	if !bytes.Equal(dllNames.Data, want) {
		t.Fatalf("dllNames.Data = %q, want %q", dllNames.Data, want)
	}

	wantHash1 := namehash.H32("ExitProcess")
	wantHash2 := namehash.H32("MessageBoxA")
	if len(hashHunk.Data) != 8 {
		t.Fatalf("len(hashHunk.Data) = %d, want 8", len(hashHunk.Data))
	}
	gotHash1 := uint32(hashHunk.Data[0]) | uint32(hashHunk.Data[1])<<8 | uint32(hashHunk.Data[2])<<16 | uint32(hashHunk.Data[3])<<24
	gotHash2 := uint32(hashHunk.Data[4]) | uint32(hashHunk.Data[5])<<8 | uint32(hashHunk.Data[6])<<16 | uint32(hashHunk.Data[7])<<24
	if gotHash1 != wantHash1 || gotHash2 != wantHash2 {
		t.Fatalf("hash array = [%x, %x], want [%x, %x]", gotHash1, gotHash2, wantHash1, wantHash2)
	}
}

// TestRangeImport reproduces spec.md §8 scenario 2: three opengl32 imports
// at ordinals 100, 101, 103 absorbed into one range group of span 4.
func TestRangeImport(t *testing.T) {
	dir := t.TempDir()
	// Ordinals assigned sequentially starting at Base, so pad with filler
	// exports to land the three named imports at ordinals 100, 101, 103.
	exports := make([]testpe.Export, 0, 103)
	for i := 1; i < 100; i++ {
		exports = append(exports, testpe.Export{Name: padName(i)})
	}
	exports = append(exports, testpe.Export{Name: "glBegin"})  // ordinal 100
	exports = append(exports, testpe.Export{Name: "glEnd"})    // ordinal 101
	exports = append(exports, testpe.Export{Name: "padme"})    // ordinal 102 (unused)
	exports = append(exports, testpe.Export{Name: "glVertex"}) // ordinal 103

	writeDLL(t, dir, "opengl32.dll", testpe.Spec{Base: 1, Exports: exports})

	cache := peimage.NewCache([]string{dir}, calog.NewStd())
	defer cache.Close()

	imports := []hunk.ImportRef{
		hunk.NewImportRef("h1", "opengl32", "glBegin"),
		hunk.NewImportRef("h2", "opengl32", "glEnd"),
		hunk.NewImportRef("h3", "opengl32", "glVertex"),
	}

	hunks, _, err := Emit(imports, []string{"opengl32"}, true, cache)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	importList := hunks.At(0)
	dllNames := hunks.At(1)

	if off := symbolOffset(t, importList, "h1"); off != 0 {
		t.Fatalf("h1 offset = %d, want 0", off)
	}
	if off := symbolOffset(t, importList, "h2"); off != 4 {
		t.Fatalf("h2 offset = %d, want 4", off)
	}
	if off := symbolOffset(t, importList, "h3"); off != 12 {
		t.Fatalf("h3 offset = %d, want 12", off)
	}

	want := append(append([]byte("opengl32\x00"), 0x03), 0x04, 0xFF)
	if !bytes.Equal(dllNames.Data, want) {
		t.Fatalf("dllNames.Data = %q, want %q", dllNames.Data, want)
	}
}

// TestRangeImportAppliesGloballyToNonRangeDll reproduces original_source's
// ImportHandler.cpp behavior (ImportHandler.cpp:235-237): once any range DLL
// is used in the run, enableRangeImport is true for the whole emission, and
// every absorbed group gets its range-count byte, including a non-range
// DLL's own single-entry group.
func TestRangeImportAppliesGloballyToNonRangeDll(t *testing.T) {
	dir := t.TempDir()
	writeDLL(t, dir, "kernel32.dll", testpe.Spec{Exports: []testpe.Export{{Name: "ExitProcess"}}})
	writeDLL(t, dir, "opengl32.dll", testpe.Spec{Exports: []testpe.Export{{Name: "glBegin"}, {Name: "glEnd"}}})

	cache := peimage.NewCache([]string{dir}, calog.NewStd())
	defer cache.Close()

	imports := []hunk.ImportRef{
		hunk.NewImportRef("h1", "kernel32", "ExitProcess"),
		hunk.NewImportRef("h2", "opengl32", "glBegin"),
		hunk.NewImportRef("h3", "opengl32", "glEnd"),
	}

	hunks, _, err := Emit(imports, []string{"opengl32"}, true, cache)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	dllNames := hunks.At(1)

	// kernel32's group contributes a lone 0x01 count byte (no name: it's
	// kernel32) despite not being a range DLL itself, because
	// enableRangeImport is a global flag, not per-DLL.
	want := append([]byte{0x01}, append([]byte("opengl32\x00\x02\x02"), 0xFF)...)
	if !bytes.Equal(dllNames.Data, want) {
		t.Fatalf("dllNames.Data = %q, want %q", dllNames.Data, want)
	}
}

func padName(i int) string {
	return "pad" + string(rune('A'+(i%26))) + string(rune('0'+(i/26)%10))
}
