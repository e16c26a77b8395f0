package includesrv

import (
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/VKCOM/includesrv/internal/errtags"
)

// NodeId is an arena index into a Graph's node table, replacing the
// source's cyclic garbage-collected node→node references (spec.md §9
// DESIGN NOTES: "represent nodes as entries in an arena indexed by
// integer ids; children becomes a Vec<NodeId>").
type NodeId uint32

const NullNode NodeId = 0

// resolutionMode mirrors spec.md §4.7's FindNode modes.
type resolutionMode int

const (
	modeResolved resolutionMode = iota // caller supplies a resolved pair and its realpath
	modeQuote                          // search includingDir then the quote list
	modeAngle                          // search the angle list only
	modeNext                           // emulate #include_next: every match in the quote list
)

// nodeKey is the second-level cache key: (filepath_key, resolution_mode,
// including_file_dir_id). filepath_key is the raw includepath id for
// quote/angle/next modes, or the resolved pair for resolved mode.
type nodeKey struct {
	mode           resolutionMode
	includePathID  PathID       // quote/angle/next
	resolvedPair   ResolvedPair // resolved
	includingDirID PathID       // quote mode only; 0 otherwise
}

type aliasKey struct {
	realpathID      PathID
	dirnameRealpath string
}

type node struct {
	hasRealpath bool
	realpath    PathID
	hasResolved bool
	resolved    ResolvedPair
	children    []NodeId
	support     *SupportRecord
}

// graphConfig is the top-level cache entry: one per (currdir, quote
// list, angle list) "include configuration" (spec.md §3).
type graphConfig struct {
	currdir    PathID
	quoteDirs  []PathID
	angleDirs  []PathID
	nodeCache  map[nodeKey]NodeId
	aliasCache map[aliasKey]NodeId
}

// Graph is the include-graph engine: the memoizing summary-graph builder
// at the heart of the analyzer (spec.md §4.7), grounded on
// original_source/include_server/include_analyzer_memoizing_node.py's
// IncludeAnalyzerMemoizingNode.FindNode.
type Graph struct {
	mu      sync.Mutex
	nodes   []node // nodes[0] is the reserved null node
	configs map[string]*graphConfig

	dirs         *DirectoryMap
	incs         *IncludePathMap
	reals        *RealpathMap
	can          *Canonicalizer
	statCache    *BuildStatCache
	dirnameCache *DirnameCache
	systemdirs   *SystemdirPrefixCache
	symtab       *SymbolTable
	unionCache   *UnionCache
	support      *SupportMaster
	mirror       *MirrorPath
	timer        *TimeBudget

	parseCache *lru.Cache[PathID, ParsedDirectives]
}

// parseCacheSize bounds the parsed-directive cache independent of the
// correctness-critical interning maps (see SPEC_FULL.md's DOMAIN STACK
// table): a parse can always be redone, so evicting it only costs a
// re-scan, never an invariant.
const parseCacheSize = 4096

func NewGraph(dirs *DirectoryMap, incs *IncludePathMap, reals *RealpathMap, can *Canonicalizer,
	statCache *BuildStatCache, dirnameCache *DirnameCache, systemdirs *SystemdirPrefixCache,
	symtab *SymbolTable, unionCache *UnionCache, support *SupportMaster, mirror *MirrorPath, timer *TimeBudget) *Graph {

	pc, _ := lru.New[PathID, ParsedDirectives](parseCacheSize)

	return &Graph{
		nodes:        make([]node, 1),
		configs:      make(map[string]*graphConfig),
		dirs:         dirs,
		incs:         incs,
		reals:        reals,
		can:          can,
		statCache:    statCache,
		dirnameCache: dirnameCache,
		systemdirs:   systemdirs,
		symtab:       symtab,
		unionCache:   unionCache,
		support:      support,
		mirror:       mirror,
		timer:        timer,
		parseCache:   pc,
	}
}

func (g *Graph) ConfigFor(currdir PathID, quoteDirs, angleDirs []PathID) *graphConfig {
	key := configKeyString(currdir, quoteDirs, angleDirs)
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg, ok := g.configs[key]; ok {
		return cfg
	}
	cfg := &graphConfig{
		currdir:    currdir,
		quoteDirs:  quoteDirs,
		angleDirs:  angleDirs,
		nodeCache:  make(map[nodeKey]NodeId),
		aliasCache: make(map[aliasKey]NodeId),
	}
	g.configs[key] = cfg
	return cfg
}

func configKeyString(currdir PathID, quoteDirs, angleDirs []PathID) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(uint64(currdir), 10))
	sb.WriteByte('|')
	for _, id := range quoteDirs {
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	for _, id := range angleDirs {
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
		sb.WriteByte(',')
	}
	return sb.String()
}

func (g *Graph) allocNode() NodeId {
	sr := NewSupportRecord()
	sr.bind(g.unionCache)
	g.nodes = append(g.nodes, node{support: sr})
	return NodeId(len(g.nodes) - 1)
}

func (g *Graph) nodeAt(id NodeId) *node { return &g.nodes[id] }

// SetTimer installs the TimeBudget for the current request. The graph's
// other caches persist across requests within a generation; only the
// deadline is request-scoped (spec.md §4.9).
func (g *Graph) SetTimer(timer *TimeBudget) {
	g.mu.Lock()
	g.timer = timer
	g.mu.Unlock()
}

// FindNode is the central memoized recursion (spec.md §4.7).
func (g *Graph) FindNode(cfg *graphConfig, key nodeKey) (NodeId, error) {
	if g.timer != nil && g.timer.Expired() {
		return NullNode, errtags.NewTimeout("", "")
	}

	g.mu.Lock()
	if nid, ok := cfg.nodeCache[key]; ok {
		n := g.nodeAt(nid)
		if n.support.Valid() {
			g.mu.Unlock()
			return nid, nil
		}
		g.mu.Unlock()
		if err := g.rebuild(cfg, nid, key); err != nil {
			return NullNode, err
		}
		return nid, nil
	}
	g.mu.Unlock()

	return g.createNode(cfg, key)
}

func (g *Graph) createNode(cfg *graphConfig, key nodeKey) (NodeId, error) {
	resolved, realID, ok, err := g.resolve(cfg, key)
	if err != nil {
		return NullNode, err
	}

	if key.mode == modeNext {
		nid := g.allocNode()
		g.mu.Lock()
		cfg.nodeCache[key] = nid
		g.mu.Unlock()
		if err := g.buildNextChildren(cfg, nid, key.includePathID); err != nil {
			return NullNode, err
		}
		return nid, nil
	}

	if !ok {
		return NullNode, errtags.NewNotCovered("", "unresolved include")
	}

	dirID, dirRealpath, err := g.dirnameCache.Lookup(cfg.currdir, resolved.SearchDir, resolved.IncludePath)
	if err != nil {
		return NullNode, err
	}
	alias := aliasKey{realpathID: realID, dirnameRealpath: dirRealpath}
	_ = dirID

	g.mu.Lock()
	if existing, ok := g.lookupAlias(cfg, alias); ok {
		cfg.nodeCache[key] = existing
		g.mu.Unlock()
		return existing, nil
	}
	nid := g.allocNode()
	g.nodeAt(nid).hasRealpath = true
	g.nodeAt(nid).realpath = realID
	g.nodeAt(nid).hasResolved = true
	g.nodeAt(nid).resolved = resolved
	cfg.nodeCache[key] = nid
	cfg.aliasCache[alias] = nid
	g.mu.Unlock()

	if err := g.mirrorDiscovered(realID); err != nil {
		return NullNode, err
	}
	if err := g.resolveChildren(cfg, nid, realID); err != nil {
		return NullNode, err
	}
	return nid, nil
}

func (g *Graph) lookupAlias(cfg *graphConfig, alias aliasKey) (NodeId, bool) {
	nid, ok := cfg.aliasCache[alias]
	return nid, ok
}

// rebuild re-resolves an existing node's children in place, reusing its
// identity and SupportRecord object (spec.md §4.7 step 2: "reuse the
// node's identity and support record object but re-resolve children").
func (g *Graph) rebuild(cfg *graphConfig, nid NodeId, key nodeKey) error {
	n := g.nodeAt(nid)
	n.support.Reset()

	if key.mode == modeNext {
		return g.buildNextChildren(cfg, nid, key.includePathID)
	}
	if !n.hasRealpath {
		return nil
	}
	return g.resolveChildren(cfg, nid, n.realpath)
}

// resolve performs the stat-cache lookup for quote- and angle-mode keys,
// returning the resolved pair and its realpath id. Any other mode gets
// the not-found result: createNode also calls it for modeNext keys and
// then ignores the result, building those nodes through
// buildNextChildren, and modeResolved nodes are created through
// findResolvedNode, which already has the realpath from the caller.
func (g *Graph) resolve(cfg *graphConfig, key nodeKey) (ResolvedPair, PathID, bool, error) {
	switch key.mode {
	case modeQuote:
		pair, realID, ok := g.statCache.Resolve(key.includePathID, cfg.currdir, key.includingDirID, cfg.quoteDirs)
		return pair, realID, ok, nil
	case modeAngle:
		pair, realID, ok := g.statCache.Resolve(key.includePathID, cfg.currdir, NullID, cfg.angleDirs)
		return pair, realID, ok, nil
	default:
		return ResolvedPair{}, NullID, false, nil
	}
}

// buildNextChildren implements the #include_next mode: a dummy node
// (no realpath of its own) whose children are every resolution of the
// includepath against every directory in the quote list — spec.md §4.7
// and the open question in §9 that this conflates quote/angle and must
// not be "fixed".
func (g *Graph) buildNextChildren(cfg *graphConfig, nid NodeId, includePathID PathID) error {
	n := g.nodeAt(nid)
	var children []NodeId
	for _, dir := range cfg.quoteDirs {
		pair, realID, ok := g.statCache.Resolve(includePathID, cfg.currdir, dir, nil)
		if !ok {
			continue
		}
		childKey := nodeKey{mode: modeResolved, resolvedPair: pair}
		childID, err := g.findResolvedNode(cfg, childKey, realID)
		if err != nil {
			return err
		}
		children = append(children, childID)
		n.support.Update(g.nodeAt(childID).support)
		g.support.AddDependency(n.support, g.nodeAt(childID).support)
	}
	n.children = children
	n.support.MarkValid()
	return nil
}

// findResolvedNode handles modeResolved, where the caller already knows
// the realpath (from a prior BuildStatCache.Resolve call), avoiding a
// redundant resolve step.
func (g *Graph) findResolvedNode(cfg *graphConfig, key nodeKey, realID PathID) (NodeId, error) {
	g.mu.Lock()
	if nid, ok := cfg.nodeCache[key]; ok {
		n := g.nodeAt(nid)
		if n.support.Valid() {
			g.mu.Unlock()
			return nid, nil
		}
		g.mu.Unlock()
		return nid, g.rebuild(cfg, nid, key)
	}
	g.mu.Unlock()

	dirID, dirRealpath, err := g.dirnameCache.Lookup(cfg.currdir, key.resolvedPair.SearchDir, key.resolvedPair.IncludePath)
	if err != nil {
		return NullNode, err
	}
	_ = dirID
	alias := aliasKey{realpathID: realID, dirnameRealpath: dirRealpath}

	g.mu.Lock()
	if existing, ok := cfg.aliasCache[alias]; ok {
		cfg.nodeCache[key] = existing
		g.mu.Unlock()
		return existing, nil
	}
	nid := g.allocNode()
	g.nodeAt(nid).hasRealpath = true
	g.nodeAt(nid).realpath = realID
	g.nodeAt(nid).hasResolved = true
	g.nodeAt(nid).resolved = key.resolvedPair
	cfg.nodeCache[key] = nid
	cfg.aliasCache[alias] = nid
	g.mu.Unlock()

	if err := g.mirrorDiscovered(realID); err != nil {
		return NullNode, err
	}
	if err := g.resolveChildren(cfg, nid, realID); err != nil {
		return NullNode, err
	}
	return nid, nil
}

// mirrorDiscovered replicates the directory structure and symlinks
// leading to a newly discovered file, per spec.md §4.6 ("for every
// filepath discovered by the graph engine, replicate..."). A nil
// mirror (e.g. in unit tests that exercise the graph in isolation) is
// a no-op.
func (g *Graph) mirrorDiscovered(realID PathID) error {
	if g.mirror == nil {
		return nil
	}
	if err := g.mirror.DoPath(g.reals.String(realID)); err != nil {
		return errtags.NewFatal("cannot mirror discovered path", err)
	}
	return nil
}

// resolveChildren parses the resolved file (cached by realpath) and
// recursively finds every quoted, angle, computed, and include_next
// child, folding their support into this node's own record.
func (g *Graph) resolveChildren(cfg *graphConfig, nid NodeId, realID PathID) error {
	directives, err := g.parseCachedFile(realID)
	if err != nil {
		return err
	}

	n := g.nodeAt(nid)
	thisDirID := g.dirs.Intern(parentDirOf(g.reals.String(realID)))

	var children []NodeId

	for _, inc := range directives.QuoteIncludes {
		ipID, ok := g.incs.Intern(inc)
		if !ok {
			return errtags.NewNotCovered("", "absolute include").WithFile(inc)
		}
		if g.incs.IsAbsolute(inc) {
			continue // absolute include under the unsafe flag: silently skipped
		}
		childKey := nodeKey{mode: modeQuote, includePathID: ipID, includingDirID: thisDirID}
		cid, err := g.FindNode(cfg, childKey)
		if err != nil {
			return err
		}
		children = append(children, cid)
		g.fold(n, cid)
	}

	for _, inc := range directives.AngleIncludes {
		ipID, ok := g.incs.Intern(inc)
		if !ok {
			return errtags.NewNotCovered("", "absolute include").WithFile(inc)
		}
		if g.incs.IsAbsolute(inc) {
			continue
		}
		childKey := nodeKey{mode: modeAngle, includePathID: ipID}
		cid, err := g.FindNode(cfg, childKey)
		if err != nil {
			return err
		}
		children = append(children, cid)
		g.fold(n, cid)
	}

	for _, expr := range directives.ExprIncludes {
		candidates, symbols := ResolveExpr(expr, g.symtab)
		setID := g.symbolsToSetID(symbols)
		n.support.UpdateSetID(setID)
		g.support.AddSymbolDependency(n.support, setID)

		for _, cand := range candidates {
			ipID, ok := g.incs.Intern(cand.Path)
			if !ok {
				return errtags.NewNotCovered("", "absolute include").WithFile(cand.Path)
			}
			if g.incs.IsAbsolute(cand.Path) {
				continue
			}
			var pair ResolvedPair
			var realpath PathID
			var found bool
			if cand.IsQuote {
				pair, realpath, found = g.statCache.Resolve(ipID, cfg.currdir, thisDirID, cfg.quoteDirs)
			} else {
				pair, realpath, found = g.statCache.Resolve(ipID, cfg.currdir, NullID, cfg.angleDirs)
			}
			if !found {
				continue
			}
			childKey := nodeKey{mode: modeResolved, resolvedPair: pair}
			cid, err := g.findResolvedNode(cfg, childKey, realpath)
			if err != nil {
				return err
			}
			children = append(children, cid)
			g.fold(n, cid)
		}
	}

	for _, inc := range directives.NextIncludes {
		ipID, ok := g.incs.Intern(inc)
		if !ok {
			return errtags.NewNotCovered("", "absolute include").WithFile(inc)
		}
		if g.incs.IsAbsolute(inc) {
			continue
		}
		childKey := nodeKey{mode: modeNext, includePathID: ipID}
		cid, err := g.FindNode(cfg, childKey)
		if err != nil {
			return err
		}
		children = append(children, cid)
		g.fold(n, cid)
	}

	n.children = children
	n.support.MarkValid()
	return nil
}

func (g *Graph) fold(parent *node, childID NodeId) {
	child := g.nodeAt(childID)
	parent.support.Update(child.support)
	g.support.AddDependency(parent.support, child.support)
}

func (g *Graph) symbolsToSetID(symbols map[string]bool) SetID {
	ids := make([]SymbolID, 0, len(symbols))
	for s := range symbols {
		ids = append(ids, g.support.Intern(s))
	}
	return g.unionCache.SetIDOf(ids)
}

func (g *Graph) parseCachedFile(realID PathID) (ParsedDirectives, error) {
	if d, ok := g.parseCache.Get(realID); ok {
		return d, nil
	}
	d, err := ParseFile(g.reals.String(realID), g.symtab)
	if err != nil {
		return ParsedDirectives{}, err
	}
	g.parseCache.Add(realID, d)
	return d, nil
}

func parentDirOf(absPath string) string {
	idx := strings.LastIndexByte(absPath, '/')
	if idx <= 0 {
		return "/"
	}
	return absPath[:idx]
}

// Node exposes the minimal read-only view closure.go needs.
func (g *Graph) Node(id NodeId) (realpath PathID, hasRealpath bool, resolved ResolvedPair, hasResolved bool, children []NodeId) {
	n := g.nodeAt(id)
	return n.realpath, n.hasRealpath, n.resolved, n.hasResolved, n.children
}
