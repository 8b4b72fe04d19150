package mapping

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Node is a minimal XML element tree used for metadata extraction.
type Node struct {
	Name     string
	Attrs    map[string]string
	Children []*Node
	text     strings.Builder
}

// ParseXML parses an XML fragment. The returned root is synthetic (empty
// name); its children are the fragment's top-level elements.
func ParseXML(data string) (*Node, error) {
	root := &Node{}
	stack := []*Node{root}
	dec := xml.NewDecoder(strings.NewReader(data))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mapping: parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			if len(t.Attr) > 0 {
				n.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					n.Attrs[a.Name.Local] = a.Value
				}
			}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].text.Write(t)
		}
	}
	return root, nil
}

// Value returns the trimmed text of n and its descendants.
func (n *Node) Value() string {
	var b strings.Builder
	n.collect(&b)
	return strings.Join(strings.Fields(b.String()), " ")
}

func (n *Node) collect(b *strings.Builder) {
	b.WriteString(n.text.String())
	for _, c := range n.Children {
		b.WriteByte(' ')
		c.collect(b)
	}
}

// FindAll returns every descendant whose local name matches name, depth first.
func (n *Node) FindAll(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if strings.EqualFold(c.Name, name) {
			out = append(out, c)
		}
		out = append(out, c.FindAll(name)...)
	}
	return out
}

// FindPath resolves a slash separated path. The first segment may match at any
// depth; later segments match direct children.
func (n *Node) FindPath(path string) []*Node {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return nil
	}
	cur := n.FindAll(segs[0])
	for _, seg := range segs[1:] {
		var next []*Node
		for _, c := range cur {
			for _, cc := range c.Children {
				if strings.EqualFold(cc.Name, seg) {
					next = append(next, cc)
				}
			}
		}
		cur = next
	}
	return cur
}

// Leaves returns every descendant element without child elements.
func (n *Node) Leaves() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if len(c.Children) == 0 {
			out = append(out, c)
			continue
		}
		out = append(out, c.Leaves()...)
	}
	return out
}

// First returns the value of the first descendant matching any of names.
func (n *Node) First(names ...string) string {
	for _, name := range names {
		for _, c := range n.FindAll(name) {
			if v := c.Value(); v != "" {
				return v
			}
		}
	}
	return ""
}
