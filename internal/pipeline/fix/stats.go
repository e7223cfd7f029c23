package fix

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// statsDoc is the on-disk shape of the persisted fix statistics.
type statsDoc struct {
	Types map[string]typeStats `msgpack:"types"`
}

// LoadStats merges previously persisted statistics into the fixer so success
// rates survive process restarts. Missing file is not an error.
func (f *Fixer) LoadStats() error {
	if f.statsPath == "" {
		return nil
	}
	b, err := os.ReadFile(f.statsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read fix stats %s: %w", f.statsPath, err)
	}
	var doc statsDoc
	if err := msgpack.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode fix stats %s: %w", f.statsPath, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for t, st := range doc.Types {
		cur := f.stats[t]
		if cur == nil {
			cur = &typeStats{}
			f.stats[t] = cur
		}
		cur.Attempts += st.Attempts
		cur.Successes += st.Successes
	}
	return nil
}

// SaveStats writes the current statistics atomically (tmp file + rename).
func (f *Fixer) SaveStats() error {
	if f.statsPath == "" {
		return nil
	}

	f.mu.Lock()
	doc := statsDoc{Types: make(map[string]typeStats, len(f.stats))}
	for t, st := range f.stats {
		doc.Types[t] = *st
	}
	f.mu.Unlock()

	b, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode fix stats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.statsPath), 0o755); err != nil {
		return err
	}
	tmp := f.statsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.statsPath)
}
