package includesrv

import (
	"strings"
	"sync"
)

// PathID is a small dense integer id assigned by an interning map.
// 0 is reserved as the null/sentinel id; real entries start at 1.
type PathID uint32

const NullID PathID = 0

// internMap is the shared bookkeeping behind the three id spaces
// (includepath, directory, realpath). Each caller normalizes the string
// before calling intern, so the map itself stays a plain bijection.
type internMap struct {
	mu      sync.RWMutex
	index   map[string]PathID
	strings []string // strings[0] is unused (NullID)
}

func newInternMap() *internMap {
	return &internMap{
		index:   make(map[string]PathID),
		strings: []string{""},
	}
}

// intern returns the id for s, assigning a fresh one if s was never seen.
func (m *internMap) intern(s string) PathID {
	m.mu.RLock()
	if id, ok := m.index[s]; ok {
		m.mu.RUnlock()
		return id
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.index[s]; ok {
		return id
	}
	id := PathID(len(m.strings))
	m.strings = append(m.strings, s)
	m.index[s] = id
	return id
}

// lookup returns the id for s without inserting it.
func (m *internMap) lookup(s string) (PathID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.index[s]
	return id, ok
}

// str returns the interned string for id. Panics on an id past the end
// of the table, which would indicate a cross-generation id leak.
func (m *internMap) str(id PathID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strings[id]
}

func (m *internMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.strings)
}

// IncludePathMap interns the raw operand of an #include directive, e.g.
// "foo/bar.h". Leading "./" sequences are stripped so that "./a",
// "././a" and "a" all map to the same id. Absolute paths are rejected
// unless unsafeAbsoluteIncludes is set, in which case they are
// accepted into the id space, but BuildStatCache.Resolve still rejects
// them explicitly at lookup time (see statcache.go) rather than relying
// on an absolute includepath happening to fail to join and stat.
type IncludePathMap struct {
	m                      *internMap
	unsafeAbsoluteIncludes bool
}

func NewIncludePathMap(unsafeAbsoluteIncludes bool) *IncludePathMap {
	return &IncludePathMap{m: newInternMap(), unsafeAbsoluteIncludes: unsafeAbsoluteIncludes}
}

// normalizeIncludePath strips repeated leading "./" components.
func normalizeIncludePath(s string) string {
	for strings.HasPrefix(s, "./") {
		s = s[2:]
	}
	return s
}

// IsAbsolute reports whether the raw (pre-normalization) operand is an
// absolute path.
func (p *IncludePathMap) IsAbsolute(raw string) bool {
	return strings.HasPrefix(raw, "/")
}

// Intern interns raw (an #include operand) and reports whether it was
// accepted. An absolute path is rejected (ok=false) unless the unsafe
// flag was set at construction time.
func (p *IncludePathMap) Intern(raw string) (id PathID, ok bool) {
	if p.IsAbsolute(raw) && !p.unsafeAbsoluteIncludes {
		return NullID, false
	}
	return p.m.intern(normalizeIncludePath(raw)), true
}

func (p *IncludePathMap) String(id PathID) string { return p.m.str(id) }
func (p *IncludePathMap) Len() int                { return p.m.len() }

// InternArgvPath interns a path taken directly from a compiler argv —
// the translation unit or a -include/-imacros file — bypassing the
// absolute-path rejection that guards #include operands. That
// restriction exists solely to keep a #include directive from escaping
// the client-root sandbox; an argv path is already fully trusted, the
// same way the real compiler would accept it unconditionally.
func (p *IncludePathMap) InternArgvPath(raw string) PathID {
	return p.m.intern(normalizeIncludePath(raw))
}

// DirectoryMap interns directory paths, normalized to always end in "/"
// except for the empty string (meaning "current directory"). This
// normalization lets callers join dir+includepath by string
// concatenation without an extra separator check.
type DirectoryMap struct {
	m *internMap
}

func NewDirectoryMap() *DirectoryMap {
	return &DirectoryMap{m: newInternMap()}
}

func normalizeDir(s string) string {
	if s == "" || s == "." {
		return ""
	}
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s
}

func (d *DirectoryMap) Intern(raw string) PathID {
	return d.m.intern(normalizeDir(raw))
}

func (d *DirectoryMap) String(id PathID) string { return d.m.str(id) }
func (d *DirectoryMap) Len() int                { return d.m.len() }

// Join concatenates dir's string form with rel, relying on the
// trailing-slash invariant above.
func (d *DirectoryMap) Join(dirID PathID, rel string) string {
	return d.String(dirID) + rel
}

// RealpathMap interns absolute filepaths after canonicalizing them
// through a Canonicalizer, so that two spellings of the same real file
// (e.g. via a symlink) collapse to one id.
type RealpathMap struct {
	m   *internMap
	can *Canonicalizer
}

func NewRealpathMap(can *Canonicalizer) *RealpathMap {
	return &RealpathMap{m: newInternMap(), can: can}
}

// Intern canonicalizes abs and interns the result.
func (r *RealpathMap) Intern(abs string) (PathID, error) {
	real, err := r.can.Canonicalize(abs)
	if err != nil {
		return NullID, err
	}
	return r.m.intern(real), nil
}

func (r *RealpathMap) String(id PathID) string { return r.m.str(id) }
func (r *RealpathMap) Len() int                { return r.m.len() }
