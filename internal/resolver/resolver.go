// Package resolver maps a command's runtime type to the name of the handler
// workflow that processes it.
//
// Resolution order for a type T:
//
//  1. T and then each ancestor of T, nearest first. At each step an exact
//     registration wins over an ignore entry for the same type.
//  2. Every interface implemented along the chain, in the catalog's fixed
//     first-seen order, with the same registered-then-ignored check.
//  3. Otherwise the command is unsupported.
//
// The first match wins, so a nearer ancestor always beats any interface.
package resolver

import (
	"sort"
	"strings"

	"github.com/mattjoyce/conductor/internal/command"
)

// Table is the immutable registration table: exact type to handler name,
// plus the set of types that are deliberately ignored.
type Table struct {
	handlers map[string]string
	ignored  map[string]struct{}
}

// NewTable copies the given registrations.
func NewTable(handlers map[string]string, ignored []string) *Table {
	t := &Table{
		handlers: make(map[string]string, len(handlers)),
		ignored:  make(map[string]struct{}, len(ignored)),
	}
	for typ, handler := range handlers {
		t.handlers[strings.TrimSpace(typ)] = strings.TrimSpace(handler)
	}
	for _, typ := range ignored {
		t.ignored[strings.TrimSpace(typ)] = struct{}{}
	}
	return t
}

// Handler returns the handler registered for exactly typ.
func (t *Table) Handler(typ string) (string, bool) {
	h, ok := t.handlers[typ]
	return h, ok
}

// Ignored reports whether typ is exactly in the ignore set.
func (t *Table) Ignored(typ string) bool {
	_, ok := t.ignored[typ]
	return ok
}

// HandlerNames returns the distinct handler names referenced by the table,
// sorted.
func (t *Table) HandlerNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range t.handlers {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Outcome classifies a resolution for metrics and logs.
type Outcome string

const (
	OutcomeHandler     Outcome = "handler"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeUnsupported Outcome = "unsupported"
)

// Resolver is safe for concurrent use; both inputs are immutable.
type Resolver struct {
	catalog *Catalog
	table   *Table
}

// New builds a Resolver. A nil catalog means exact matches only.
func New(catalog *Catalog, table *Table) *Resolver {
	if catalog == nil {
		catalog = MustCatalog()
	}
	if table == nil {
		table = NewTable(nil, nil)
	}
	return &Resolver{catalog: catalog, table: table}
}

// Resolve returns the handler name for commandType. An empty name with a
// nil error means the command is ignored. Unsupported types return
// *command.UnsupportedCommandError.
func (r *Resolver) Resolve(commandType string) (string, error) {
	name, _, err := r.Explain(commandType)
	return name, err
}

// Explain is Resolve that also reports how the match was made and which
// candidate type matched.
func (r *Resolver) Explain(commandType string) (string, Match, error) {
	cand, ok := r.catalog.Candidates(commandType)
	if !ok {
		cand = Candidates{Chain: []string{commandType}}
	}

	for _, typ := range cand.Chain {
		if m, hit := r.check(typ, false); hit {
			return m.Handler, m, nil
		}
	}
	for _, typ := range cand.Interfaces {
		if m, hit := r.check(typ, true); hit {
			return m.Handler, m, nil
		}
	}
	return "", Match{Outcome: OutcomeUnsupported}, &command.UnsupportedCommandError{Type: commandType}
}

// Match describes which candidate satisfied a resolution.
type Match struct {
	Outcome   Outcome
	Handler   string
	Type      string
	Interface bool
}

func (r *Resolver) check(typ string, iface bool) (Match, bool) {
	if h, ok := r.table.Handler(typ); ok {
		return Match{Outcome: OutcomeHandler, Handler: h, Type: typ, Interface: iface}, true
	}
	if r.table.Ignored(typ) {
		return Match{Outcome: OutcomeIgnored, Type: typ, Interface: iface}, true
	}
	return Match{}, false
}
