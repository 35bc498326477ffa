package template

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

//go:embed message_template.msg
var bundled []byte

var ErrShortHeader = errors.New("message number truncated")

// SchemaError reports a malformed template definition. It is only ever
// produced at startup, and there is no recovery from it.
type SchemaError struct {
	Line int
	Msg  string
}

func (e *SchemaError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("template schema: line %d: %s", e.Line, e.Msg)
	}
	return "template schema: " + e.Msg
}

// Schema is the read-only dictionary of every known message layout, keyed
// both by name and by wire ID. It is built once and shared by handle.
type Schema struct {
	Version  string
	byName   map[string]*Message
	byWireID map[WireID]*Message
	ordered  []*Message
}

// ByName looks up a message template by name.
func (s *Schema) ByName(name string) (*Message, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// ByWireID looks up a message template by frequency class and number.
func (s *Schema) ByWireID(freq Frequency, number uint16) (*Message, bool) {
	m, ok := s.byWireID[WireID{freq, number}]
	return m, ok
}

// Messages returns all templates in definition order.
func (s *Schema) Messages() []*Message {
	out := make([]*Message, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Names returns all message names sorted alphabetically.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Schema) Len() int {
	return len(s.ordered)
}

func (s *Schema) add(m *Message, line int) error {
	if _, dup := s.byName[m.Name]; dup {
		return &SchemaError{Line: line, Msg: fmt.Sprintf("duplicate message name %q", m.Name)}
	}
	if other, dup := s.byWireID[m.WireID()]; dup {
		return &SchemaError{Line: line, Msg: fmt.Sprintf("message %q reuses wire id %s of %q", m.Name, m.WireID(), other.Name)}
	}
	s.byName[m.Name] = m
	s.byWireID[m.WireID()] = m
	s.ordered = append(s.ordered, m)
	return nil
}

// Default parses the bundled template definition.
func Default() (*Schema, error) {
	return Parse(bytes.NewReader(bundled))
}

// MustDefault is Default for package-level initialisation in tests and
// tools; it panics on a corrupt bundle.
func MustDefault() *Schema {
	s, err := Default()
	if err != nil {
		panic(err)
	}
	return s
}

// Bundled returns the raw bundled template definition.
func Bundled() []byte {
	return bundled
}

// Load parses a template definition file from disk.
func Load(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open template file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a message template definition.
func Parse(r io.Reader) (*Schema, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	p := &parser{lex: newLexer(data)}
	return p.parse()
}
