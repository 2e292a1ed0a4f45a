package resolver

import (
	"fmt"
	"sort"
	"strings"
)

// TypeInfo declares one command type: either a class with an optional base
// and a list of implemented interfaces, or an interface (Interface=true)
// whose Interfaces are the interfaces it extends.
type TypeInfo struct {
	Name       string   `yaml:"name" json:"name"`
	Base       string   `yaml:"base,omitempty" json:"base,omitempty"`
	Interfaces []string `yaml:"interfaces,omitempty" json:"interfaces,omitempty"`
	Interface  bool     `yaml:"interface,omitempty" json:"interface,omitempty"`
}

// Candidates is the precomputed search order for one class.
type Candidates struct {
	// Chain is the type itself followed by each ancestor, root last.
	Chain []string
	// Interfaces lists every implemented interface once, in first-seen order.
	Interfaces []string
}

// Catalog is an immutable set of type declarations with candidate lists
// computed at construction.
type Catalog struct {
	types      map[string]TypeInfo
	candidates map[string]Candidates
}

// NewCatalog validates the declarations and precomputes candidate lists.
// Duplicate declarations must be identical.
func NewCatalog(types ...TypeInfo) (*Catalog, error) {
	c := &Catalog{
		types:      make(map[string]TypeInfo, len(types)),
		candidates: make(map[string]Candidates, len(types)),
	}
	for _, t := range types {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, fmt.Errorf("type declaration without name")
		}
		if t.Interface && t.Base != "" {
			return nil, fmt.Errorf("interface %q cannot have a base", t.Name)
		}
		if prev, ok := c.types[t.Name]; ok {
			if !sameInfo(prev, t) {
				return nil, fmt.Errorf("type %q declared twice with different shape", t.Name)
			}
			continue
		}
		c.types[t.Name] = t
	}

	for _, name := range c.names() {
		t := c.types[name]
		if t.Base != "" {
			base, ok := c.types[t.Base]
			if !ok {
				return nil, fmt.Errorf("type %q: unknown base %q", name, t.Base)
			}
			if base.Interface {
				return nil, fmt.Errorf("type %q: base %q is an interface", name, t.Base)
			}
		}
		for _, iface := range t.Interfaces {
			it, ok := c.types[iface]
			if !ok {
				return nil, fmt.Errorf("type %q: unknown interface %q", name, iface)
			}
			if !it.Interface {
				return nil, fmt.Errorf("type %q: %q is not an interface", name, iface)
			}
		}
	}

	for _, name := range c.names() {
		if c.types[name].Interface {
			if err := c.checkInterfaceCycle(name, map[string]bool{}); err != nil {
				return nil, err
			}
			continue
		}
		cand, err := c.compute(name)
		if err != nil {
			return nil, err
		}
		c.candidates[name] = cand
	}
	return c, nil
}

// MustCatalog is NewCatalog for static declarations; it panics on error.
func MustCatalog(types ...TypeInfo) *Catalog {
	c, err := NewCatalog(types...)
	if err != nil {
		panic(err)
	}
	return c
}

// Candidates returns the search order for a class. Interfaces and unknown
// names report false.
func (c *Catalog) Candidates(name string) (Candidates, bool) {
	cand, ok := c.candidates[name]
	return cand, ok
}

// Has reports whether name is declared.
func (c *Catalog) Has(name string) bool {
	_, ok := c.types[name]
	return ok
}

// Types returns all declarations sorted by name.
func (c *Catalog) Types() []TypeInfo {
	out := make([]TypeInfo, 0, len(c.types))
	for _, name := range c.names() {
		out = append(out, c.types[name])
	}
	return out
}

func (c *Catalog) names() []string {
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) compute(name string) (Candidates, error) {
	var cand Candidates
	seenClass := map[string]bool{}
	seenIface := map[string]bool{}

	var visit func(iface string)
	visit = func(iface string) {
		if seenIface[iface] {
			return
		}
		seenIface[iface] = true
		cand.Interfaces = append(cand.Interfaces, iface)
		for _, parent := range c.types[iface].Interfaces {
			visit(parent)
		}
	}

	for cur := name; cur != ""; cur = c.types[cur].Base {
		if seenClass[cur] {
			return Candidates{}, fmt.Errorf("type %q: base chain cycles at %q", name, cur)
		}
		seenClass[cur] = true
		cand.Chain = append(cand.Chain, cur)
		for _, iface := range c.types[cur].Interfaces {
			visit(iface)
		}
	}
	return cand, nil
}

func (c *Catalog) checkInterfaceCycle(name string, path map[string]bool) error {
	if path[name] {
		return fmt.Errorf("interface %q extends itself", name)
	}
	path[name] = true
	defer delete(path, name)
	for _, parent := range c.types[name].Interfaces {
		if err := c.checkInterfaceCycle(parent, path); err != nil {
			return err
		}
	}
	return nil
}

func sameInfo(a, b TypeInfo) bool {
	if a.Base != b.Base || a.Interface != b.Interface || len(a.Interfaces) != len(b.Interfaces) {
		return false
	}
	for i := range a.Interfaces {
		if a.Interfaces[i] != b.Interfaces[i] {
			return false
		}
	}
	return true
}
