// Package store persists the discovered symbol universe as a JSON catalog.
//
// Universe discovery hits exchangeInfo on every boot; in a crash loop that
// hammers the venue for an answer that rarely changes. The catalog keeps the
// last discovered universe with its discovery time so the engine can reuse
// it while fresh. Writes go to a .tmp file first, then rename over the
// target, so the file is never left in a partial state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const catalogFile = "symbol_catalog.json"

// Catalog is the on-disk universe cache. All operations are mutex-protected
// to prevent concurrent file corruption.
type Catalog struct {
	path string
	mu   sync.Mutex
}

// catalogDoc is the stored shape.
type catalogDoc struct {
	SavedAt time.Time `json:"saved_at"`
	Symbols []string  `json:"symbols"`
}

// OpenCatalog creates a catalog backed by the given directory.
func OpenCatalog(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Catalog{path: filepath.Join(dir, catalogFile)}, nil
}

// Save atomically persists the universe, stamped with the current time.
func (c *Catalog) Save(symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(catalogDoc{SavedAt: time.Now().UTC(), Symbols: symbols})
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return os.Rename(tmp, c.path)
}

// Load returns the cached universe and when it was saved. A missing catalog
// returns nil symbols and no error; freshness policy is the caller's.
func (c *Catalog) Load() ([]string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("read catalog: %w", err)
	}

	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal catalog: %w", err)
	}
	return doc.Symbols, doc.SavedAt, nil
}
