package peimage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
)

// ErrDllNotFound is returned when a DLL cannot be located on any search path.
var ErrDllNotFound = errors.New("peimage: DLL not found")

// Cache owns every Image opened during one core run and releases them all
// together, per spec.md §3's ownership rule ("DllImages are owned by a
// per-run cache and released at end of run").
type Cache struct {
	searchPaths []string
	log         *log.Helper

	mu     sync.Mutex
	images map[string]*Image
}

// NewCache builds a Cache that resolves DLL names against searchPaths, in
// order, case-insensitively, the way the host OS DLL search path would.
func NewCache(searchPaths []string, logger *log.Helper) *Cache {
	return &Cache{
		searchPaths: searchPaths,
		log:         logger,
		images:      make(map[string]*Image),
	}
}

// Open returns the cached Image for name, opening and parsing it on first
// use.
func (c *Cache) Open(name string) (*Image, error) {
	key := strings.ToLower(name)

	c.mu.Lock()
	if img, ok := c.images[key]; ok {
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	path, err := c.resolve(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDllNotFound, name)
	}

	img, err := Open(path, c.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDllNotFound, name, err)
	}

	c.mu.Lock()
	if existing, ok := c.images[key]; ok {
		c.mu.Unlock()
		img.Close()
		return existing, nil
	}
	c.images[key] = img
	c.mu.Unlock()
	return img, nil
}

// resolve finds name (optionally adding a ".dll" suffix) in one of the
// configured search directories, case-insensitively.
func (c *Cache) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}

	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = append(candidates, name+".dll")
	}

	for _, dir := range c.searchPaths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			for _, cand := range candidates {
				if strings.EqualFold(e.Name(), cand) {
					return filepath.Join(dir, e.Name()), nil
				}
			}
		}
	}
	return "", os.ErrNotExist
}

// Close releases every Image this cache opened.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, img := range c.images {
		_ = img.Close()
	}
	c.images = make(map[string]*Image)
}
