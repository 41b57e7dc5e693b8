package index

import (
	"fmt"
	"strconv"
	"strings"
)

// IDSeparator joins the components of a symbol identifier.
const IDSeparator = "::"

// SymbolID builds the identifier path::qualified_name::kind::start_line.
// The project-relative path keeps identically named files in different
// directories apart.
func SymbolID(path, qualifiedName string, kind Kind, startLine int) string {
	var b strings.Builder
	b.Grow(len(path) + len(qualifiedName) + len(kind) + 16)
	b.WriteString(path)
	b.WriteString(IDSeparator)
	b.WriteString(qualifiedName)
	b.WriteString(IDSeparator)
	b.WriteString(string(kind))
	b.WriteString(IDSeparator)
	b.WriteString(strconv.Itoa(startLine))
	return b.String()
}

// ParseSymbolID splits an identifier back into its components. Every field
// is taken from the right: qualified names never contain IDSeparator, paths
// may.
func ParseSymbolID(id string) (path, qualifiedName string, kind Kind, startLine int, err error) {
	i := strings.LastIndex(id, IDSeparator)
	if i < 0 {
		return "", "", "", 0, fmt.Errorf("malformed symbol id %q", id)
	}
	startLine, err = strconv.Atoi(id[i+len(IDSeparator):])
	if err != nil {
		return "", "", "", 0, fmt.Errorf("malformed symbol id %q: bad line", id)
	}
	rest := id[:i]

	j := strings.LastIndex(rest, IDSeparator)
	if j < 0 {
		return "", "", "", 0, fmt.Errorf("malformed symbol id %q", id)
	}
	kind = Kind(rest[j+len(IDSeparator):])
	rest = rest[:j]

	k := strings.LastIndex(rest, IDSeparator)
	if k < 0 {
		return "", "", "", 0, fmt.Errorf("malformed symbol id %q", id)
	}
	return rest[:k], rest[k+len(IDSeparator):], kind, startLine, nil
}
