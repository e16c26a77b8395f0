package includesrv

import (
	"path/filepath"
	"sync"
)

// Canonicalizer memoizes realpath resolution of absolute paths:
// resolving all symbolic links along the path. Results are cached by
// input string, so repeated resolution of the same spelling is O(1)
// after the first call. Canonicalize is idempotent:
// Canonicalize(Canonicalize(p)) == Canonicalize(p).
type Canonicalizer struct {
	mu    sync.Mutex
	cache map[string]string
}

func NewCanonicalizer() *Canonicalizer {
	return &Canonicalizer{cache: make(map[string]string)}
}

// Canonicalize resolves path (which may be relative or absolute; a
// relative path is first joined against the process cwd by
// filepath.Abs) to its symlink-free absolute form.
func (c *Canonicalizer) Canonicalize(path string) (string, error) {
	c.mu.Lock()
	if real, ok := c.cache[path]; ok {
		c.mu.Unlock()
		return real, nil
	}
	c.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[path] = real
	// Also memoize the already-canonical form so a second call on the
	// result short-circuits without another filesystem round trip.
	c.cache[real] = real
	c.mu.Unlock()
	return real, nil
}

// Reset discards all memoized results; called on generation rollover.
func (c *Canonicalizer) Reset() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}
