package peimage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cnheider/Crinkler/internal/calog"
	"github.com/cnheider/Crinkler/internal/testpe"
)

func mustOpen(t *testing.T, dir, name string, spec testpe.Spec) *Image {
	t.Helper()
	path, err := testpe.WriteDLL(dir, name, spec)
	if err != nil {
		t.Fatalf("WriteDLL: %v", err)
	}
	img, err := Open(path, calog.NewStd())
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

func TestOpenParsesExportDirectory(t *testing.T) {
	dir := t.TempDir()
	img := mustOpen(t, dir, "synth.dll", testpe.Spec{
		Base: 1,
		Exports: []testpe.Export{
			{Name: "AcquireSRWLockExclusive"},
			{Name: "ExitProcess"},
		},
	})

	ord, err := img.Ordinal("ExitProcess")
	if err != nil {
		t.Fatalf("Ordinal: %v", err)
	}
	if ord != 2 {
		t.Fatalf("Ordinal(ExitProcess) = %d, want 2", ord)
	}

	ord0, err := img.Ordinal("AcquireSRWLockExclusive")
	if err != nil {
		t.Fatalf("Ordinal: %v", err)
	}
	if ord0 != 1 {
		t.Fatalf("Ordinal(AcquireSRWLockExclusive) = %d, want 1", ord0)
	}
}

func TestOrdinalMissingFunction(t *testing.T) {
	dir := t.TempDir()
	img := mustOpen(t, dir, "synth.dll", testpe.Spec{
		Exports: []testpe.Export{{Name: "Foo"}},
	})

	if _, err := img.Ordinal("DoesNotExist"); err == nil {
		t.Fatalf("expected error for missing export")
	}
}

func TestForwardedExportIsDetected(t *testing.T) {
	dir := t.TempDir()
	img := mustOpen(t, dir, "kernel32.dll", testpe.Spec{
		Exports: []testpe.Export{
			{Name: "HeapAlloc", Forward: "ntdll.RtlAllocateHeap"},
			{Name: "ExitProcess"},
		},
	})

	ord, err := img.Ordinal("HeapAlloc")
	if err != nil {
		t.Fatalf("Ordinal: %v", err)
	}
	rva, ok := img.FunctionRVA(ord)
	if !ok {
		t.Fatalf("FunctionRVA not found")
	}
	if !img.IsForwarded(rva) {
		t.Fatalf("expected HeapAlloc to be detected as forwarded")
	}

	ord2, _ := img.Ordinal("ExitProcess")
	rva2, _ := img.FunctionRVA(ord2)
	if img.IsForwarded(rva2) {
		t.Fatalf("ExitProcess should not be forwarded")
	}
}

func TestExportsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := mustOpen(t, dir, "synth.dll", testpe.Spec{
		Exports: []testpe.Export{
			{Name: "A"},
			{Name: "B", Forward: "otherdll.C"},
		},
	})

	exports, err := img.Exports()
	if err != nil {
		t.Fatalf("Exports: %v", err)
	}
	if len(exports) != 2 {
		t.Fatalf("len(exports) = %d, want 2", len(exports))
	}
	byName := map[string]ExportFunction{}
	for _, e := range exports {
		byName[e.Name] = e
	}
	if byName["B"].Forwarder != "otherdll.C" {
		t.Fatalf("B.Forwarder = %q, want otherdll.C", byName["B"].Forwarder)
	}
	if byName["A"].Forwarder != "" {
		t.Fatalf("A.Forwarder = %q, want empty", byName["A"].Forwarder)
	}
}

// FuzzParseExportDirectory is the native-Go fuzz replacement for the
// teacher's legacy dvyukov/go-fuzz harness (fuzz.go): feed arbitrary bytes
// through Open and make sure it never panics.
func FuzzParseExportDirectory(f *testing.F) {
	dir := f.TempDir()
	seed := testpe.Build(testpe.Spec{Exports: []testpe.Export{{Name: "ExitProcess"}}})
	f.Add(seed)

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(dir, "fuzz.dll")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Skip()
		}
		img, err := Open(path, calog.NewStd())
		if err != nil {
			return
		}
		img.Close()
	})
}
