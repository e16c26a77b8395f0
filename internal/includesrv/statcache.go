package includesrv

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// cellState is the tri-state a BuildStatCache cell can hold.
type cellState int

const (
	cellUnknown cellState = iota
	cellAbsent
	cellPresent
)

type statCell struct {
	state    cellState
	realpath PathID
}

type statKey struct {
	currdir     PathID
	includepath PathID
	searchdir   PathID
}

// BuildStatCache is the primary stat cache: a sparse, effectively
// 3-dimensional table keyed by (currdir, includepath, searchdir)
// answering whether includepath exists under searchdir when the
// process cwd is currdir. Every present cell's realpath refers to a
// file that existed on disk within the current generation.
type BuildStatCache struct {
	mu    sync.Mutex
	cells map[statKey]statCell

	dirs  *DirectoryMap
	incs  *IncludePathMap
	reals *RealpathMap

	// VerifyOnHit re-stats on every cache hit and aborts the process on
	// divergence, catching concurrent filesystem mutation. Debug builds
	// only (spec.md §4.1).
	VerifyOnHit bool
}

func NewBuildStatCache(dirs *DirectoryMap, incs *IncludePathMap, reals *RealpathMap) *BuildStatCache {
	return &BuildStatCache{
		cells: make(map[statKey]statCell),
		dirs:  dirs,
		incs:  incs,
		reals: reals,
	}
}

// ResolvedPair is (searchdir, includepath) — the pair that made an
// #include resolve, used both as a cache key and, when the searchdir is
// absolute, as the payload needed to synthesize a #line directive.
type ResolvedPair struct {
	SearchDir   PathID
	IncludePath PathID
}

// Resolve implements the BuildStatCache.Resolve contract from
// spec.md §4.1: searchdir (if non-null) is tried first, then
// searchlist in order; first match wins. A relative searchdir+includepath
// candidate is stat'd against dirs.String(currdir), so the answer is the
// one a process whose cwd is currdir would get.
func (c *BuildStatCache) Resolve(includepath PathID, currdir PathID, searchdir PathID, searchlist []PathID) (ResolvedPair, PathID, bool) {
	if strings.HasPrefix(c.incs.String(includepath), "/") {
		// An absolute #include operand must never be joined against a
		// searchdir and stat'd for real — that is the sole safety net
		// that keeps a path from escaping the client-root sandbox
		// (spec.md §4.1). unsafeAbsoluteIncludes only controls whether
		// IncludePathMap.Intern accepts the operand at all; once
		// accepted, it is always treated as not-found here.
		return ResolvedPair{}, NullID, false
	}

	candidates := make([]PathID, 0, len(searchlist)+1)
	if searchdir != NullID {
		candidates = append(candidates, searchdir)
	}
	candidates = append(candidates, searchlist...)

	for _, s := range candidates {
		key := statKey{currdir: currdir, includepath: includepath, searchdir: s}

		c.mu.Lock()
		cell, ok := c.cells[key]
		c.mu.Unlock()

		if ok {
			if c.VerifyOnHit {
				c.verify(key, cell)
			}
			if cell.state == cellAbsent {
				continue
			}
			return ResolvedPair{SearchDir: s, IncludePath: includepath}, cell.realpath, true
		}

		cell, hit := c.statOnce(key)
		if cell.state == cellAbsent {
			continue
		}
		if hit {
			return ResolvedPair{SearchDir: s, IncludePath: includepath}, cell.realpath, true
		}
	}
	return ResolvedPair{}, NullID, false
}

func (c *BuildStatCache) statOnce(key statKey) (statCell, bool) {
	rel := c.dirs.Join(key.searchdir, c.incs.String(key.includepath))
	abs := rel
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.dirs.String(key.currdir), rel)
	}
	_, err := os.Stat(abs)
	if err != nil {
		cell := statCell{state: cellAbsent}
		c.mu.Lock()
		c.cells[key] = cell
		c.mu.Unlock()
		return cell, false
	}

	realID, err := c.reals.Intern(abs)
	if err != nil {
		cell := statCell{state: cellAbsent}
		c.mu.Lock()
		c.cells[key] = cell
		c.mu.Unlock()
		return cell, false
	}

	cell := statCell{state: cellPresent, realpath: realID}
	c.mu.Lock()
	c.cells[key] = cell
	c.mu.Unlock()
	return cell, true
}

// verify re-stats a present cell and aborts the process if the answer
// no longer matches — a peer mutated the filesystem mid-generation,
// which the cache's invariant cannot tolerate.
func (c *BuildStatCache) verify(key statKey, cell statCell) {
	rel := c.dirs.Join(key.searchdir, c.incs.String(key.includepath))
	abs := rel
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(c.dirs.String(key.currdir), rel)
	}
	_, err := os.Stat(abs)
	present := err == nil
	if present != (cell.state == cellPresent) {
		panic("includesrv: stat cache verification mismatch for " + abs + " — concurrent filesystem mutation")
	}
}

// Reset clears all cells; called on generation rollover.
func (c *BuildStatCache) Reset() {
	c.mu.Lock()
	c.cells = make(map[statKey]statCell)
	c.mu.Unlock()
}

// DirnameCache maps (currdir, searchdir, includepath) to the directory
// containing the resolved file (dir) and that directory's
// canonicalized realpath (dirRealpath). This backs the "quoted include"
// rule, which resolves relative to the including file's directory.
type DirnameCache struct {
	mu    sync.Mutex
	cache map[statKey]dirnameEntry

	dirs *DirectoryMap
	incs *IncludePathMap
	can  *Canonicalizer
}

type dirnameEntry struct {
	dir         PathID
	dirRealpath string
}

func NewDirnameCache(dirs *DirectoryMap, incs *IncludePathMap, can *Canonicalizer) *DirnameCache {
	return &DirnameCache{cache: make(map[statKey]dirnameEntry), dirs: dirs, incs: incs, can: can}
}

func (d *DirnameCache) Lookup(currdir, searchdir, includepath PathID) (dirID PathID, dirRealpath string, err error) {
	key := statKey{currdir: currdir, includepath: includepath, searchdir: searchdir}

	d.mu.Lock()
	if e, ok := d.cache[key]; ok {
		d.mu.Unlock()
		return e.dir, e.dirRealpath, nil
	}
	d.mu.Unlock()

	joined := d.dirs.Join(searchdir, d.incs.String(includepath))
	dirRel := filepath.Dir(joined)
	if dirRel == "." {
		dirRel = ""
	}
	dirID = d.dirs.Intern(dirRel)

	abs := dirRel
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(d.dirs.String(currdir), dirRel)
	}
	real, err := d.can.Canonicalize(abs)
	if err != nil {
		return NullID, "", err
	}

	d.mu.Lock()
	d.cache[key] = dirnameEntry{dir: dirID, dirRealpath: real}
	d.mu.Unlock()
	return dirID, real, nil
}

func (d *DirnameCache) Reset() {
	d.mu.Lock()
	d.cache = make(map[statKey]dirnameEntry)
	d.mu.Unlock()
}

// SystemdirPrefixCache answers, for a realpath id, whether that path
// begins with one of the compiler's default system include directories.
// Filled lazily, one bit per realpath id, up to the current length of
// the realpath map.
type SystemdirPrefixCache struct {
	mu         sync.Mutex
	bits       []bool
	filled     int
	systemDirs []string
	reals      *RealpathMap
}

func NewSystemdirPrefixCache(reals *RealpathMap, systemDirs []string) *SystemdirPrefixCache {
	return &SystemdirPrefixCache{reals: reals, systemDirs: append([]string(nil), systemDirs...)}
}

func (s *SystemdirPrefixCache) fillTo(n int) {
	for s.filled < n {
		id := PathID(s.filled)
		path := s.reals.String(id)
		s.bits = append(s.bits, hasAnyPrefix(path, s.systemDirs))
		s.filled++
	}
}

// StartsWithSystemdir reports whether realpath id begins with a default
// system directory.
func (s *SystemdirPrefixCache) StartsWithSystemdir(id PathID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.reals.Len()
	if n > s.filled {
		s.fillTo(n)
	}
	if int(id) >= len(s.bits) {
		return false
	}
	return s.bits[id]
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if path == p || (len(path) > len(p) && path[:len(p)] == p && (p[len(p)-1] == '/' || path[len(p)] == '/')) {
			return true
		}
	}
	return false
}

// Reset rebuilds the cache against a new system directory set, used
// when the compiler-defaults probe is re-run.
func (s *SystemdirPrefixCache) Reset(systemDirs []string) {
	s.mu.Lock()
	s.bits = nil
	s.filled = 0
	s.systemDirs = append([]string(nil), systemDirs...)
	s.mu.Unlock()
}

// Stamp is the (mtime, inode, device) triple used by stat-reset triggers
// to notice that a watched file changed identity, not just content.
type Stamp struct {
	ModTime time.Time
	Ino     uint64
	Dev     uint64
}

// StatStamp computes the Stamp for path, or ok=false if it does not
// exist.
func StatStamp(path string) (Stamp, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Stamp{}, false
	}
	return Stamp{
		ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ino:     st.Ino,
		Dev:     uint64(st.Dev),
	}, true
}
