package search

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"codeindex/internal/errors"
)

// MaxPatternLength bounds the length of a search pattern in bytes.
const MaxPatternLength = 1000

// CheckPattern statically classifies a regex pattern before it is handed to
// any engine. It rejects with REGEX_REJECTED:
//
//   - an unbounded repetition whose body holds another unbounded
//     repetition overlapping what can follow it inside the body or in the
//     next iteration, e.g. (a+)+, (a+a)+ or (\w+\s?)*
//   - an unbounded repetition containing an unbounded wildcard, e.g. (.*,)*
//   - an unbounded repetition over an alternation whose branches can start
//     with the same character, e.g. (a|ab)*
//
// Unbalanced groups or classes are INVALID_PATTERN.
func CheckPattern(pattern string) error {
	if len(pattern) > MaxPatternLength {
		return errors.Newf(errors.RegexRejected, "pattern is longer than %d bytes", MaxPatternLength)
	}
	p := &reParser{src: pattern}
	root, err := p.parse()
	if err != nil {
		return errors.New(errors.InvalidPattern, fmt.Sprintf("invalid regex %q", pattern), err)
	}
	if reason := riskOf(root); reason != "" {
		return errors.Newf(errors.RegexRejected, "pattern %q risks catastrophic backtracking: %s", pattern, reason)
	}
	return nil
}

type reKind int

const (
	reEmpty reKind = iota // anchors, lookarounds, empty branches
	reChar                // literal or class
	reConcat
	reAlt
	reRepeat
)

type reNode struct {
	kind     reKind
	set      charSet
	subs     []*reNode
	min, max int // reRepeat; max < 0 is unbounded
}

func (n *reNode) unbounded() bool {
	return n.kind == reRepeat && n.max < 0
}

type runeRange struct{ lo, hi rune }

// charSet approximates the characters one position can match.
type charSet struct {
	any    bool
	ranges []runeRange
}

func (c charSet) union(o charSet) charSet {
	if c.any || o.any {
		return charSet{any: true}
	}
	return charSet{ranges: append(append([]runeRange(nil), c.ranges...), o.ranges...)}
}

func (c charSet) overlaps(o charSet) bool {
	if c.empty() || o.empty() {
		return false
	}
	if c.any || o.any {
		return true
	}
	for _, a := range c.ranges {
		for _, b := range o.ranges {
			if a.lo <= b.hi && b.lo <= a.hi {
				return true
			}
		}
	}
	return false
}

func (c charSet) empty() bool {
	return !c.any && len(c.ranges) == 0
}

func single(r rune) charSet {
	return charSet{ranges: []runeRange{{r, r}}}
}

var (
	digitSet = charSet{ranges: []runeRange{{'0', '9'}}}
	wordSet  = charSet{ranges: []runeRange{{'a', 'z'}, {'A', 'Z'}, {'0', '9'}, {'_', '_'}}}
	spaceSet = charSet{ranges: []runeRange{{' ', ' '}, {'\t', '\r'}}}
	anySet   = charSet{any: true}
)

// nullable reports whether n can match the empty string.
func nullable(n *reNode) bool {
	switch n.kind {
	case reEmpty:
		return true
	case reChar:
		return false
	case reRepeat:
		return n.min == 0 || nullable(n.subs[0])
	case reAlt:
		for _, s := range n.subs {
			if nullable(s) {
				return true
			}
		}
		return false
	default:
		for _, s := range n.subs {
			if !nullable(s) {
				return false
			}
		}
		return true
	}
}

// first returns the characters n can start with.
func first(n *reNode) charSet {
	switch n.kind {
	case reChar:
		return n.set
	case reRepeat:
		return first(n.subs[0])
	case reAlt:
		var out charSet
		for _, s := range n.subs {
			out = out.union(first(s))
		}
		return out
	case reConcat:
		var out charSet
		for _, s := range n.subs {
			out = out.union(first(s))
			if !nullable(s) {
				break
			}
		}
		return out
	}
	return charSet{}
}

// ambiguousRepeat reports whether n holds an unbounded repetition whose
// characters can also start what follows it, so the engine can split a run
// between the two in many ways. follow is what can come after n.
func ambiguousRepeat(n *reNode, follow charSet) bool {
	switch n.kind {
	case reRepeat:
		body := n.subs[0]
		if n.unbounded() && first(body).overlaps(follow) {
			return true
		}
		if n.max != 1 {
			follow = follow.union(first(body))
		}
		return ambiguousRepeat(body, follow)
	case reAlt:
		for _, s := range n.subs {
			if ambiguousRepeat(s, follow) {
				return true
			}
		}
	case reConcat:
		for i := len(n.subs) - 1; i >= 0; i-- {
			if ambiguousRepeat(n.subs[i], follow) {
				return true
			}
			if nullable(n.subs[i]) {
				follow = first(n.subs[i]).union(follow)
			} else {
				follow = first(n.subs[i])
			}
		}
	}
	return false
}

func containsWildcardRepeat(n *reNode) bool {
	if n.unbounded() && first(n.subs[0]).any {
		return true
	}
	for _, s := range n.subs {
		if containsWildcardRepeat(s) {
			return true
		}
	}
	return false
}

// riskOf walks the tree and describes the first risky construct, or "".
func riskOf(n *reNode) string {
	if n.unbounded() {
		body := n.subs[0]
		// The next iteration follows the body.
		if ambiguousRepeat(body, first(body)) {
			return "nested unbounded quantifiers"
		}
		if containsWildcardRepeat(body) {
			return "unbounded wildcard inside a repeated group"
		}
		if body.kind == reAlt {
			for i := 0; i < len(body.subs); i++ {
				for j := i + 1; j < len(body.subs); j++ {
					if first(body.subs[i]).overlaps(first(body.subs[j])) {
						return "repeated alternation with overlapping branches"
					}
				}
			}
		}
	}
	for _, s := range n.subs {
		if r := riskOf(s); r != "" {
			return r
		}
	}
	return ""
}

// reParser is a small recursive-descent parser for the common regex dialect
// shared by the search tools. It only keeps what the risk analysis needs.
type reParser struct {
	src string
	pos int
}

func (p *reParser) parse() (*reNode, error) {
	n, err := p.parseAlt()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected ) at offset %d", p.pos)
	}
	return n, nil
}

func (p *reParser) peek() (rune, bool) {
	if p.pos >= len(p.src) {
		return 0, false
	}
	r, _ := utf8.DecodeRuneInString(p.src[p.pos:])
	return r, true
}

func (p *reParser) next() rune {
	r, size := utf8.DecodeRuneInString(p.src[p.pos:])
	p.pos += size
	return r
}

func (p *reParser) parseAlt() (*reNode, error) {
	var branches []*reNode
	for {
		b, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
		if r, ok := p.peek(); !ok || r != '|' {
			break
		}
		p.pos++
	}
	if len(branches) == 1 {
		return branches[0], nil
	}
	return &reNode{kind: reAlt, subs: branches}, nil
}

func (p *reParser) parseConcat() (*reNode, error) {
	var items []*reNode
	for {
		r, ok := p.peek()
		if !ok || r == '|' || r == ')' {
			break
		}
		atom, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		atom, err = p.parseQuantifier(atom)
		if err != nil {
			return nil, err
		}
		items = append(items, atom)
	}
	switch len(items) {
	case 0:
		return &reNode{kind: reEmpty}, nil
	case 1:
		return items[0], nil
	}
	return &reNode{kind: reConcat, subs: items}, nil
}

func (p *reParser) parseAtom() (*reNode, error) {
	switch r := p.next(); r {
	case '(':
		lookaround := p.skipGroupPrefix()
		inner, err := p.parseAlt()
		if err != nil {
			return nil, err
		}
		if c, ok := p.peek(); !ok || c != ')' {
			return nil, fmt.Errorf("missing ) for group")
		}
		p.pos++
		if lookaround {
			// Zero-width, but nested constructs are still inspected.
			return &reNode{kind: reConcat, subs: []*reNode{{kind: reEmpty}, {kind: reRepeat, min: 0, max: 1, subs: []*reNode{inner}}}}, nil
		}
		return inner, nil
	case '[':
		return p.parseClass()
	case '.':
		return &reNode{kind: reChar, set: anySet}, nil
	case '^', '$':
		return &reNode{kind: reEmpty}, nil
	case '\\':
		return p.parseEscape()
	case '*', '+', '?':
		return nil, fmt.Errorf("missing argument to repetition operator %c", r)
	default:
		return &reNode{kind: reChar, set: single(r)}, nil
	}
}

// skipGroupPrefix consumes (?:, (?=, (?<name> and similar group prefixes
// and reports whether the group is a lookaround.
func (p *reParser) skipGroupPrefix() bool {
	if r, ok := p.peek(); !ok || r != '?' {
		return false
	}
	p.pos++
	r, ok := p.peek()
	if !ok {
		return false
	}
	switch r {
	case '=', '!':
		p.pos++
		return true
	case '<':
		p.pos++
		if c, ok := p.peek(); ok && (c == '=' || c == '!') {
			p.pos++
			return true
		}
		p.skipName('>')
	case 'P':
		p.pos++
		if c, ok := p.peek(); ok && c == '<' {
			p.pos++
			p.skipName('>')
		}
	case '\'':
		p.pos++
		p.skipName('\'')
	default:
		// inline flags such as (?i) or (?i:...)
		for p.pos < len(p.src) {
			c := p.src[p.pos]
			if c == ':' {
				p.pos++
				break
			}
			if c == ')' {
				break
			}
			p.pos++
		}
	}
	return false
}

func (p *reParser) skipName(end byte) {
	for p.pos < len(p.src) && p.src[p.pos] != end {
		p.pos++
	}
	if p.pos < len(p.src) {
		p.pos++
	}
}

func (p *reParser) parseEscape() (*reNode, error) {
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("trailing backslash")
	}
	switch r := p.next(); r {
	case 'd':
		return &reNode{kind: reChar, set: digitSet}, nil
	case 'w':
		return &reNode{kind: reChar, set: wordSet}, nil
	case 's':
		return &reNode{kind: reChar, set: spaceSet}, nil
	case 'D', 'W', 'S', 'p', 'P', 'x', 'u', 'X', 'C', 'N', 'R':
		return &reNode{kind: reChar, set: anySet}, nil
	case 'b', 'B', 'A', 'z', 'Z', 'G', '<', '>':
		return &reNode{kind: reEmpty}, nil
	case 'n':
		return &reNode{kind: reChar, set: single('\n')}, nil
	case 't':
		return &reNode{kind: reChar, set: single('\t')}, nil
	default:
		if r >= '1' && r <= '9' {
			return &reNode{kind: reChar, set: anySet}, nil // backreference
		}
		return &reNode{kind: reChar, set: single(r)}, nil
	}
}

func (p *reParser) parseClass() (*reNode, error) {
	var set charSet
	if r, ok := p.peek(); ok && r == '^' {
		p.pos++
		set.any = true
	}
	firstItem := true
	for {
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("missing ] for character class")
		}
		r := p.next()
		if r == ']' && !firstItem {
			break
		}
		firstItem = false
		switch {
		case r == '[' && p.pos < len(p.src) && p.src[p.pos] == ':':
			// POSIX class such as [:alpha:]
			end := p.pos
			for end+1 < len(p.src) && !(p.src[end] == ':' && p.src[end+1] == ']') {
				end++
			}
			p.pos = end + 2
			set.any = true
			continue
		case r == '\\':
			if p.pos >= len(p.src) {
				return nil, fmt.Errorf("trailing backslash")
			}
			switch e := p.next(); e {
			case 'd':
				set.ranges = append(set.ranges, digitSet.ranges...)
			case 'w':
				set.ranges = append(set.ranges, wordSet.ranges...)
			case 's':
				set.ranges = append(set.ranges, spaceSet.ranges...)
			case 'D', 'W', 'S', 'p', 'P', 'x', 'u':
				set.any = true
			default:
				set.ranges = append(set.ranges, runeRange{e, e})
			}
			continue
		}
		lo := r
		if p.pos+1 < len(p.src) && p.src[p.pos] == '-' && p.src[p.pos+1] != ']' {
			p.pos++
			hi := p.next()
			if hi == '\\' && p.pos < len(p.src) {
				hi = p.next()
			}
			if hi < lo {
				return nil, fmt.Errorf("invalid character class range %c-%c", lo, hi)
			}
			set.ranges = append(set.ranges, runeRange{lo, hi})
			continue
		}
		set.ranges = append(set.ranges, runeRange{lo, lo})
	}
	if set.any {
		set.ranges = nil
	}
	return &reNode{kind: reChar, set: set}, nil
}

func (p *reParser) parseQuantifier(atom *reNode) (*reNode, error) {
	for {
		r, ok := p.peek()
		if !ok {
			return atom, nil
		}
		var lo, hi int
		switch r {
		case '*':
			p.pos++
			lo, hi = 0, -1
		case '+':
			p.pos++
			lo, hi = 1, -1
		case '?':
			p.pos++
			lo, hi = 0, 1
		case '{':
			bl, bh, size, ok := parseBraces(p.src[p.pos:])
			if !ok {
				return atom, nil // a literal brace
			}
			p.pos += size
			lo, hi = bl, bh
		default:
			return atom, nil
		}
		// lazy and possessive suffixes
		if c, ok := p.peek(); ok && (c == '?' || c == '+') {
			p.pos++
		}
		if atom.kind == reEmpty {
			continue
		}
		atom = &reNode{kind: reRepeat, min: lo, max: hi, subs: []*reNode{atom}}
	}
}

// parseBraces parses {n}, {n,} or {n,m} at the start of s.
func parseBraces(s string) (lo, hi, size int, ok bool) {
	end := 1
	for end < len(s) && s[end] != '}' {
		end++
	}
	if end >= len(s) {
		return 0, 0, 0, false
	}
	body := s[1:end]
	comma := -1
	for i := 0; i < len(body); i++ {
		if body[i] == ',' {
			comma = i
			break
		}
	}
	var err error
	if comma < 0 {
		if lo, err = strconv.Atoi(body); err != nil {
			return 0, 0, 0, false
		}
		return lo, lo, end + 1, true
	}
	if lo, err = strconv.Atoi(body[:comma]); err != nil {
		return 0, 0, 0, false
	}
	if body[comma+1:] == "" {
		return lo, -1, end + 1, true
	}
	if hi, err = strconv.Atoi(body[comma+1:]); err != nil || hi < lo {
		return 0, 0, 0, false
	}
	return lo, hi, end + 1, true
}
