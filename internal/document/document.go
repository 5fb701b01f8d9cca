// Package document holds CMS page entries as an ordered JSON tree.
//
// Nodes are pointers and identity matters: the symbol inliner finds a reference block in its
// parent by pointer, and the URL rewriter mutates string nodes in place. Mappings keep the key
// order they were parsed with so stored snapshots read like the CMS response.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Sequence
	Mapping
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Sequence:
		return "sequence"
	case Mapping:
		return "mapping"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Node is one value in a page document. The zero value is a null node.
type Node struct {
	kind   Kind
	// string value, or the literal text of a number
	str    string
	b      bool
	items  []*Node
	keys   []string
	fields map[string]*Node
}

func NewNull() *Node                 { return &Node{kind: Null} }
func NewBool(b bool) *Node           { return &Node{kind: Bool, b: b} }
func NewString(s string) *Node       { return &Node{kind: String, str: s} }
func NewNumber(literal string) *Node { return &Node{kind: Number, str: literal} }

func NewSequence(items ...*Node) *Node {
	return &Node{kind: Sequence, items: items}
}

func NewMapping() *Node {
	return &Node{kind: Mapping, fields: map[string]*Node{}}
}

func (n *Node) Kind() Kind {
	if n == nil {
		return Null
	}
	return n.kind
}

func (n *Node) IsNull() bool { return n.Kind() == Null }

// Str returns the value of a string node
func (n *Node) Str() (string, bool) {
	if n.Kind() != String {
		return "", false
	}
	return n.str, true
}

// SetString replaces the value of a string node. It is a no-op on other kinds.
func (n *Node) SetString(s string) {
	if n.Kind() == String {
		n.str = s
	}
}

// Len is the number of items in a sequence or fields in a mapping
func (n *Node) Len() int {
	switch n.Kind() {
	case Sequence:
		return len(n.items)
	case Mapping:
		return len(n.keys)
	default:
		return 0
	}
}

// Items returns the elements of a sequence. The slice is shared; use Splice to modify it.
func (n *Node) Items() []*Node {
	if n.Kind() != Sequence {
		return nil
	}
	return n.items
}

// Keys returns mapping keys in document order
func (n *Node) Keys() []string {
	if n.Kind() != Mapping {
		return nil
	}
	return append([]string(nil), n.keys...)
}

// Get returns the value of key, or nil when n is not a mapping or has no such key
func (n *Node) Get(key string) *Node {
	if n.Kind() != Mapping {
		return nil
	}
	return n.fields[key]
}

// Set adds or replaces key. New keys are appended, replaced keys keep their position.
func (n *Node) Set(key string, v *Node) {
	if n == nil || n.kind != Mapping {
		return
	}
	if v == nil {
		v = NewNull()
	}
	if _, ok := n.fields[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.fields[key] = v
}

// Lookup follows a chain of mapping keys, returning nil as soon as one is missing
func (n *Node) Lookup(path ...string) *Node {
	cur := n
	for _, k := range path {
		cur = cur.Get(k)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// IndexOf returns the position of child in a sequence by pointer identity, or -1
func (n *Node) IndexOf(child *Node) int {
	for i, it := range n.Items() {
		if it == child {
			return i
		}
	}
	return -1
}

// Splice removes del items at i and inserts ins in their place
func (n *Node) Splice(i, del int, ins ...*Node) error {
	if n.Kind() != Sequence {
		return xerrors.Newf("splice on %s node", n.Kind())
	}
	if i < 0 || del < 0 || i+del > len(n.items) {
		return xerrors.Newf("splice [%d:%d] out of range for length %d", i, i+del, len(n.items))
	}
	out := make([]*Node, 0, len(n.items)-del+len(ins))
	out = append(out, n.items[:i]...)
	out = append(out, ins...)
	out = append(out, n.items[i+del:]...)
	n.items = out
	return nil
}

// Parse decodes a single JSON value. Malformed input is marked KindMalformedInput.
func Parse(data []byte) (*Node, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads exactly one JSON value from r
func Decode(r io.Reader) (*Node, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	n, err := decodeValue(dec)
	if err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "decode document"), xerrors.KindMalformedInput)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, xerrors.Mark(xerrors.New("decode document: trailing data after value"), xerrors.KindMalformedInput)
	}
	return n, nil
}

func decodeValue(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			m := NewMapping()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("mapping key is %T, want string", kt)
				}
				child, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, child)
			}
			// closing '}'
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return m, nil
		case '[':
			s := NewSequence()
			for dec.More() {
				child, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				s.items = append(s.items, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %q", rune(v))
	case string:
		return NewString(v), nil
	case json.Number:
		return NewNumber(v.String()), nil
	case bool:
		return NewBool(v), nil
	case nil:
		return NewNull(), nil
	}
	return nil, fmt.Errorf("unexpected token %T", tok)
}

// MarshalJSON renders n compactly without HTML escaping
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes n as two-space indented JSON followed by a newline
func Encode(w io.Writer, n *Node) error {
	compact, err := n.MarshalJSON()
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return xerrors.Wrap(err, "indent document")
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}

func (n *Node) write(buf *bytes.Buffer) error {
	switch n.Kind() {
	case Null:
		buf.WriteString("null")
	case Bool:
		if n.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(n.str)
	case String:
		return writeString(buf, n.str)
	case Sequence:
		buf.WriteByte('[')
		for i, it := range n.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := it.write(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Mapping:
		buf.WriteByte('{')
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := n.fields[k].write(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return xerrors.Newf("cannot encode %s node", n.Kind())
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.WriteString(strings.TrimSuffix(tmp.String(), "\n"))
	return nil
}
