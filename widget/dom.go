// Package widget implements the chat widget core: the element tree the
// widget renders into, message formatting, inline link/image content
// rendering, the ordered message view, and the controller that reconciles
// history replay, live updates, and local sends against a key-value room.
package widget

import (
	"html"
	"io"
	"sort"
	"strings"
)

// Element is a minimal DOM-equivalent node. A node with an empty Tag is a
// text node and renders as escaped literal text; everything else renders as
// an element whose attribute values are escaped. Raw markup never passes
// through unescaped.
type Element struct {
	Tag      string
	Text     string
	Attrs    map[string]string
	Children []*Element

	parent *Element
}

func NewElement(tag string) *Element {
	return &Element{Tag: tag, Attrs: map[string]string{}}
}

func NewText(text string) *Element {
	return &Element{Text: text}
}

func (e *Element) SetAttr(name, value string) *Element {
	if e.Attrs == nil {
		e.Attrs = map[string]string{}
	}
	e.Attrs[name] = value
	return e
}

func (e *Element) Attr(name string) string {
	return e.Attrs[name]
}

func (e *Element) AddClass(class string) {
	cur := e.Attrs["class"]
	for _, c := range strings.Fields(cur) {
		if c == class {
			return
		}
	}
	if cur == "" {
		e.SetAttr("class", class)
		return
	}
	e.SetAttr("class", cur+" "+class)
}

func (e *Element) RemoveClass(class string) {
	fields := strings.Fields(e.Attrs["class"])
	out := fields[:0]
	for _, c := range fields {
		if c != class {
			out = append(out, c)
		}
	}
	e.SetAttr("class", strings.Join(out, " "))
}

func (e *Element) HasClass(class string) bool {
	for _, c := range strings.Fields(e.Attrs["class"]) {
		if c == class {
			return true
		}
	}
	return false
}

func (e *Element) AppendChild(child *Element) {
	child.Detach()
	child.parent = e
	e.Children = append(e.Children, child)
}

// PrependChild inserts child before the current first child.
func (e *Element) PrependChild(child *Element) {
	child.Detach()
	child.parent = e
	e.Children = append([]*Element{child}, e.Children...)
}

// Detach removes the node from its parent, if any.
func (e *Element) Detach() {
	p := e.parent
	if p == nil {
		return
	}
	for i, c := range p.Children {
		if c == e {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	e.parent = nil
}

// ChildByID finds a descendant with the given id attribute.
func (e *Element) ChildByID(id string) *Element {
	for _, c := range e.Children {
		if c.Attrs["id"] == id {
			return c
		}
		if found := c.ChildByID(id); found != nil {
			return found
		}
	}
	return nil
}

var voidTags = map[string]bool{"img": true, "br": true, "hr": true, "input": true}

// WriteHTML renders the subtree as HTML with all text and attribute values
// escaped.
func (e *Element) WriteHTML(w io.Writer) {
	if e.Tag == "" {
		_, _ = io.WriteString(w, html.EscapeString(e.Text))
		return
	}
	_, _ = io.WriteString(w, "<"+e.Tag)
	names := make([]string, 0, len(e.Attrs))
	for name := range e.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = io.WriteString(w, ` `+name+`="`+html.EscapeString(e.Attrs[name])+`"`)
	}
	_, _ = io.WriteString(w, ">")
	if voidTags[e.Tag] {
		return
	}
	for _, c := range e.Children {
		c.WriteHTML(w)
	}
	_, _ = io.WriteString(w, "</"+e.Tag+">")
}

func (e *Element) HTML() string {
	var b strings.Builder
	e.WriteHTML(&b)
	return b.String()
}
