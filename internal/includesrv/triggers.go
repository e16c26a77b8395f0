package includesrv

import (
	"github.com/bmatcuk/doublestar/v4"
)

// TriggerSet watches a configured list of glob expressions and decides,
// once per request, whether the generation must be reset — spec.md
// §4.8: "Before each request, every glob is re-evaluated. If any glob's
// match set changes, or any matched path's (mtime, inode, device) stamp
// changes, all per-request caches are flushed." Grounded on
// original_source/include_server/basics.py's stat-reset-trigger list
// (there implemented as a flat glob.glob() rescan); doublestar gives the
// Go side recursive "**" matching the Python glob module's fnmatch
// semantics don't have, which is a strict superset so no existing
// pattern changes meaning.
type TriggerSet struct {
	patterns []string
	last     map[string]Stamp // path -> stamp, from the previous evaluation
	primed   bool             // set once Changed has run at least once
}

func NewTriggerSet(patterns []string) *TriggerSet {
	return &TriggerSet{
		patterns: patterns,
		last:     make(map[string]Stamp),
	}
}

// Changed re-evaluates every glob and reports whether the match set or
// any matched path's stamp differs from the previous call. The first
// call always reports unchanged (there is nothing to compare against
// yet) unless a pattern fails to compile, which is a configuration
// error surfaced to the caller.
func (t *TriggerSet) Changed() (bool, error) {
	current := make(map[string]Stamp)

	for _, pattern := range t.patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return false, err
		}
		for _, m := range matches {
			stamp, ok := StatStamp(m)
			if !ok {
				// A matched path vanishing between glob and stat counts
				// as a change: the build is mutating files under us.
				current[m] = Stamp{}
				continue
			}
			current[m] = stamp
		}
	}

	changed := t.primed && !sameStampSets(t.last, current)
	t.last = current
	t.primed = true
	return changed, nil
}

// Reset clears the remembered match set, forcing the next Changed call
// to treat any current match as new.
func (t *TriggerSet) Reset() {
	t.last = make(map[string]Stamp)
}

func sameStampSets(a, b map[string]Stamp) bool {
	if len(a) != len(b) {
		return false
	}
	for path, stampA := range a {
		stampB, ok := b[path]
		if !ok || stampA != stampB {
			return false
		}
	}
	return true
}
