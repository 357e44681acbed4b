package nextbus

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Element is one node of a parsed upstream response. The feed is attribute
// oriented, so attributes are flattened into a map and character data is
// kept only for error bodies.
type Element struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Element
}

// Attr returns the named attribute or "" when absent.
func (e *Element) Attr(name string) string {
	return e.Attrs[name]
}

// FindAll returns the direct children with the given name.
func (e *Element) FindAll(name string) []*Element {
	var found []*Element
	for _, c := range e.Children {
		if c.Name == name {
			found = append(found, c)
		}
	}
	return found
}

// parseDocument decodes an upstream XML body into its root element
// (normally <body>).
func parseDocument(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)

	var (
		root  *Element
		stack []*Element
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Name: t.Name.Local, Attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				el.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("malformed xml: multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("malformed xml: empty document")
	}
	root.Text = strings.TrimSpace(root.Text)
	for _, c := range root.Children {
		c.Text = strings.TrimSpace(c.Text)
	}
	return root, nil
}
