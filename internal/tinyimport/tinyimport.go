// Package tinyimport implements the 1K Hash Search, DLL-order Constraint
// Solver, and 1K Emitter (spec.md §4.6-4.7): a parallel search over a
// (family, bits) hash-function space that induces no collisions among
// referenced imports, paired with a greedy topological solver that turns
// unavoidable same-bucket coincidences between a referenced import and an
// unreferenced export of another DLL into a load-order constraint instead
// of a search failure.
package tinyimport

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cnheider/Crinkler/internal/hunk"
	"github.com/cnheider/Crinkler/internal/namehash"
	"github.com/cnheider/Crinkler/internal/peimage"
	"github.com/go-kratos/kratos/v2/log"
)

// maxDLLs bounds the referenced-DLL set to what fits in a uint32 bitmask.
const maxDLLs = 32

// ErrTooManyDLLs is returned when more DLLs are referenced than the
// bitmask-based constraint solver can represent.
var ErrTooManyDLLs = errors.New("tinyimport: more than 32 referenced DLLs")

// DLLInfo is one DLL's full export name list, with each entry flagged as
// referenced (used as an actual import) or not.
type DLLInfo struct {
	Name    string
	Exports []ExportEntry
}

// ExportEntry is one exported name and whether it is a referenced import.
type ExportEntry struct {
	Name       string
	Referenced bool
}

func selfCollisionAllowed(dll string) bool {
	if dll == "opengl32" {
		return true
	}
	return len(dll) == 8 && strings.HasPrefix(dll, "d3dx9_")
}

// BuildDLLInfos gathers every DLL referenced by imports, with kernel32
// forced to index 0, each annotated with its complete export list and which
// names are referenced imports.
func BuildDLLInfos(imports []hunk.ImportRef, cache *peimage.Cache) ([]DLLInfo, error) {
	order := make([]string, 0, 8)
	seen := make(map[string]bool)
	referenced := make(map[string]map[string]bool)

	for _, ref := range imports {
		if !seen[ref.DLLName] {
			seen[ref.DLLName] = true
			order = append(order, ref.DLLName)
		}
		if referenced[ref.DLLName] == nil {
			referenced[ref.DLLName] = make(map[string]bool)
		}
		referenced[ref.DLLName][ref.FunctionName] = true
	}

	if len(order) > maxDLLs {
		return nil, ErrTooManyDLLs
	}

	reordered := make([]string, 0, len(order))
	for _, d := range order {
		if d == "kernel32" {
			reordered = append(reordered, d)
		}
	}
	for _, d := range order {
		if d != "kernel32" {
			reordered = append(reordered, d)
		}
	}

	infos := make([]DLLInfo, 0, len(reordered))
	for _, name := range reordered {
		img, err := cache.Open(name)
		if err != nil {
			return nil, err
		}
		exports, err := img.Exports()
		if err != nil {
			return nil, err
		}
		entries := make([]ExportEntry, 0, len(exports))
		for _, e := range exports {
			entries = append(entries, ExportEntry{Name: e.Name, Referenced: referenced[name][e.Name]})
		}
		infos = append(infos, DLLInfo{Name: name, Exports: entries})
	}
	return infos, nil
}

// Family is the discovered (family, bits) hash-function choice.
type Family struct {
	Value uint32
	Bits  uint8
}

// Result is the outcome of a successful Search: the hash family plus the
// DLL load order the constraint solver produced, kernel32 first.
type Result struct {
	Family Family
	Order  []string
}

type bucket struct {
	hasReferenced    bool
	referencedDLL    int
	unreferencedMask uint32
}

// buildConstraints hashes every export of every DLL (in dlls' fixed index
// order) at the given (bits, family), reporting a hard collision via ok=false
// or the resulting per-DLL "must come after" bitmask.
func buildConstraints(dlls []DLLInfo, bits uint8, family uint32) (constraints []uint32, ok bool) {
	size := uint32(1) << bits
	buckets := make([]bucket, size)
	for i := range buckets {
		buckets[i].referencedDLL = -1
	}
	constraints = make([]uint32, len(dlls))

	for idx, d := range dlls {
		dllMask := uint32(1) << uint(idx)
		selfOK := selfCollisionAllowed(d.Name)

		for _, e := range d.Exports {
			h := namehash.H1K(e.Name, family, bits)
			b := &buckets[h]

			if e.Referenced {
				if b.hasReferenced {
					return nil, false
				}
				b.hasReferenced = true
				b.referencedDLL = idx
				if selfOK {
					b.unreferencedMask &^= dllMask
				} else if b.unreferencedMask&dllMask != 0 {
					return nil, false
				}
				constraints[idx] |= b.unreferencedMask
				continue
			}

			b.unreferencedMask |= dllMask
			if b.hasReferenced {
				k := b.referencedDLL
				if k == idx {
					if !selfOK {
						return nil, false
					}
				} else {
					constraints[k] |= dllMask
				}
			}
		}
	}
	return constraints, true
}

var errNoSolution = errors.New("tinyimport: constraint graph has a cycle")

// solveConstraints performs repeated smallest-index topological selection:
// at each step, pick the smallest not-yet-used DLL index with no remaining
// dependency, per spec.md §4.6.1.
func solveConstraints(constraints []uint32) ([]int, error) {
	n := len(constraints)
	if constraints[0]&^uint32(1) != 0 {
		return nil, errNoSolution
	}

	cons := append([]uint32(nil), constraints...)
	used := make([]bool, n)
	order := make([]int, 0, n)

	for len(order) < n {
		sel := -1
		for j := 0; j < n; j++ {
			if used[j] || cons[j] != 0 {
				continue
			}
			sel = j
			break
		}
		if sel == -1 {
			return nil, errNoSolution
		}
		order = append(order, sel)
		used[sel] = true
		bit := uint32(1) << uint(sel)
		for k := range cons {
			cons[k] &^= bit
		}
	}
	return order, nil
}

type best struct {
	mu       sync.Mutex
	found    bool
	highByte uint8
	lowByte  uint8
	family   uint32
	order    []int
}

func (b *best) beatableBy(highByte uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.found || highByte <= b.highByte
}

func (b *best) improve(highByte, lowByte uint8, family uint32, order []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.found || highByte < b.highByte || (highByte == b.highByte && lowByte < b.lowByte) {
		b.found = true
		b.highByte = highByte
		b.lowByte = lowByte
		b.family = family
		b.order = order
	}
}

// searchAtBits runs the high_byte-parallel low_byte search at a fixed bit
// width, per spec.md §5: the outer loop over high_byte is parallelized,
// workers share a mutex-guarded best candidate and bail early once their
// high_byte can no longer improve on it.
func searchAtBits(dlls []DLLInfo, bits uint8) *best {
	b := &best{}
	var wg sync.WaitGroup
	for hb := 0; hb < 256; hb++ {
		hb := uint8(hb)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.beatableBy(hb) {
				return
			}
			for lb := 0; lb < 256; lb++ {
				family := uint32(hb)<<16 | uint32(lb)<<8 | 1
				constraints, ok := buildConstraints(dlls, bits, family)
				if !ok {
					continue
				}
				order, err := solveConstraints(constraints)
				if err != nil {
					continue
				}
				b.improve(hb, uint8(lb), family, order)
				return
			}
		}()
	}
	wg.Wait()
	return b
}

// Search looks for the smallest bits (16 down to 1) at which a collision-free
// (family, bits) combination exists, per spec.md §4.6's stopping rule: once
// any bits level succeeds, smaller bits are still attempted in hope of a
// better (smaller) table; the search stops descending as soon as a bits
// level fails after a solution has already been found. logger receives one
// progress line for each bits level at which a family is found, the same
// information the original's per-candidate printf reported (spec.md §9
// supplemented feature), plus one line with the total search time.
func Search(dlls []DLLInfo, logger *log.Helper) (*Result, error) {
	if len(dlls) == 0 || dlls[0].Name != "kernel32" {
		return nil, errors.New("tinyimport: kernel32 must be dlls[0]")
	}
	if len(dlls) > maxDLLs {
		return nil, ErrTooManyDLLs
	}

	start := time.Now()
	var found *best
	var foundBits uint8
	for bits := uint8(16); ; bits-- {
		b := searchAtBits(dlls, bits)
		if b.found {
			found = b
			foundBits = bits
			logger.Debugf("tinyimport: searching for hash function... num_bits: %d: family: 0x%08x", bits, b.family)
		} else if found != nil {
			break
		}
		if bits == 1 {
			break
		}
	}
	logger.Debugf("tinyimport: hash family search took %s", time.Since(start))

	if found == nil {
		return nil, hunk.ErrNoHashFunction
	}

	order := make([]string, len(found.order))
	for i, idx := range found.order {
		order[i] = dlls[idx].Name
	}

	return &Result{
		Family: Family{Value: found.family, Bits: foundBits},
		Order:  order,
	}, nil
}
