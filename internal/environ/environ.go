// Package environ implements the ordered process environment handed to tasks
// and scripts.
package environ

import (
	"fmt"
	"strings"
)

// List is an ordered NAME=value environment. Set replaces an existing
// variable in place, so insertion order stays deterministic.
// The zero value is ready to use.
type List struct {
	vars  []string
	index map[string]int
}

// New returns a list holding pairs in order. Later duplicates replace earlier
// ones in place.
func New(pairs ...string) (*List, error) {
	l := &List{}
	for _, kv := range pairs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("malformed environment entry %q", kv)
		}
		if err := l.Set(name, value); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Set assigns value to name, overwriting an existing entry in its original
// position or appending a new one.
func (l *List) Set(name, value string) error {
	if err := validName(name); err != nil {
		return err
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("environment value for %s contains NUL", name)
	}
	if l.index == nil {
		l.index = make(map[string]int)
	}
	kv := name + "=" + value
	if i, ok := l.index[name]; ok {
		l.vars[i] = kv
		return nil
	}
	l.index[name] = len(l.vars)
	l.vars = append(l.vars, kv)
	return nil
}

// Setf is Set with a formatted value. A format with unmatched verbs is an
// error rather than a silently mangled value.
func (l *List) Setf(name, format string, args ...any) error {
	value := fmt.Sprintf(format, args...)
	if strings.Contains(value, "%!") {
		return fmt.Errorf("bad format for %s: %q", name, value)
	}
	return l.Set(name, value)
}

// Get returns the value of name.
func (l *List) Get(name string) (string, bool) {
	if l == nil {
		return "", false
	}
	i, ok := l.index[name]
	if !ok {
		return "", false
	}
	_, v, _ := strings.Cut(l.vars[i], "=")
	return v, true
}

// Len returns the number of variables.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.vars)
}

// Merge applies every entry of other in other's order.
func (l *List) Merge(other *List) error {
	if other == nil {
		return nil
	}
	for _, kv := range other.vars {
		name, value, _ := strings.Cut(kv, "=")
		if err := l.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns an independent copy.
func (l *List) Clone() *List {
	c := &List{}
	if l == nil {
		return c
	}
	c.vars = append([]string(nil), l.vars...)
	c.index = make(map[string]int, len(l.index))
	for k, v := range l.index {
		c.index[k] = v
	}
	return c
}

// Slice returns a copy of the entries in exec form.
func (l *List) Slice() []string {
	if l == nil {
		return []string{}
	}
	return append([]string{}, l.vars...)
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty environment variable name")
	}
	if strings.ContainsAny(name, "=\x00") {
		return fmt.Errorf("invalid environment variable name %q", name)
	}
	return nil
}
