package stream

import (
	"sync"

	"github.com/zeebo/blake3"
)

// Deduper remembers content keys for the lifetime of one run. Keys are stored
// as fixed-size digests so long assistant messages do not pin their text.
type Deduper struct {
	mu   sync.Mutex
	seen map[[32]byte]struct{}
}

// NewDeduper returns an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[[32]byte]struct{})}
}

// Seen records key and reports whether it was already recorded. The empty key
// is never recorded: values without a text payload always pass through.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}
	digest := blake3.Sum256([]byte(key))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[digest]; ok {
		return true
	}
	d.seen[digest] = struct{}{}
	return false
}

// Len reports how many distinct keys have been recorded.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
