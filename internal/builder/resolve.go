package builder

import (
	"path"
	"strings"

	"codeindex/internal/index"
)

// receivers are call prefixes that name the enclosing object.
var receivers = map[string]bool{"self": true, "this": true, "cls": true}

// resolver links callee names to symbols of one generation.
type resolver struct {
	byID        map[string]*index.Symbol
	byQualified map[string][]*index.Symbol
	byShort     map[string][]*index.Symbol
}

func newResolver(symbols map[string]*index.Symbol) *resolver {
	r := &resolver{
		byID:        symbols,
		byQualified: make(map[string][]*index.Symbol),
		byShort:     make(map[string][]*index.Symbol),
	}
	for _, s := range symbols {
		if !s.Kind.Callable() {
			continue
		}
		r.byQualified[s.QualifiedName] = append(r.byQualified[s.QualifiedName], s)
		short := s.ShortName()
		r.byShort[short] = append(r.byShort[short], s)
	}
	return r
}

// resolve returns the identifier of the single callable symbol callee
// refers to, or "" when there is none or more than one. Stages are tried in
// order: exact identifier, qualified name, short name, qualified-name
// suffix, then self/this/cls member lookup. The first stage with any
// candidate decides; candidates in the caller's file win over others.
func (r *resolver) resolve(callee, callerPath, callerID string) string {
	if s, ok := r.byID[callee]; ok && s.Kind.Callable() {
		return s.ID
	}

	if id, done := pick(r.byQualified[callee], callerPath); done {
		return id
	}

	if !strings.Contains(callee, ".") {
		if id, done := pick(r.byShort[callee], callerPath); done {
			return id
		}
		return ""
	}

	short := index.ShortName(callee)
	var suffixed []*index.Symbol
	for _, s := range r.byShort[short] {
		if strings.HasSuffix(s.QualifiedName, "."+callee) {
			suffixed = append(suffixed, s)
		}
	}
	if id, done := pick(suffixed, callerPath); done {
		return id
	}

	recv, member, ok := strings.Cut(callee, ".")
	if ok && !receivers[recv] && !strings.Contains(member, ".") {
		// pkg.Func or module.func: the qualifier names the callee's
		// directory or file stem.
		var scoped []*index.Symbol
		for _, s := range r.byShort[member] {
			if s.ParentID == "" && s.QualifiedName == member && moduleNamed(s.Path, recv) {
				scoped = append(scoped, s)
			}
		}
		id, _ := pick(scoped, callerPath)
		return id
	}
	if !ok || !receivers[recv] || strings.Contains(member, ".") {
		return ""
	}
	candidates := r.byShort[member]
	// Prefer members of the caller's own container.
	if caller, ok := r.byID[callerID]; ok && caller.ParentID != "" {
		var siblings []*index.Symbol
		for _, s := range candidates {
			if s.ParentID == caller.ParentID {
				siblings = append(siblings, s)
			}
		}
		if len(siblings) > 0 {
			candidates = siblings
		}
	}
	id, _ := pick(candidates, callerPath)
	return id
}

// pick narrows candidates to the caller's file when it defines any and
// returns the identifier if exactly one remains. done is true when there
// were candidates at all, which ends the search.
func pick(candidates []*index.Symbol, callerPath string) (id string, done bool) {
	if len(candidates) == 0 {
		return "", false
	}
	var local []*index.Symbol
	for _, s := range candidates {
		if s.Path == callerPath {
			local = append(local, s)
		}
	}
	if len(local) > 0 {
		candidates = local
	}
	if len(candidates) != 1 {
		return "", true
	}
	return candidates[0].ID, true
}

// moduleNamed reports whether name is the directory or file stem of p.
func moduleNamed(p, name string) bool {
	if path.Base(path.Dir(p)) == name {
		return true
	}
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base)) == name
}
