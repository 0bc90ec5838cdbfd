package widget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementHTMLEscaping(t *testing.T) {
	div := NewElement("div")
	div.SetAttr("title", `a "quoted" <value>`)
	div.AppendChild(NewText(`<script>alert('x')</script> & more`))
	html := div.HTML()
	assert.Equal(t, `<div title="a &#34;quoted&#34; &lt;value&gt;">&lt;script&gt;alert(&#39;x&#39;)&lt;/script&gt; &amp; more</div>`, html)
}

func TestElementAttrsSortedAndVoidTags(t *testing.T) {
	img := NewElement("img")
	img.SetAttr("src", "http://a.com/x.png")
	img.SetAttr("alt", "")
	assert.Equal(t, `<img alt="" src="http://a.com/x.png">`, img.HTML())
}

func TestElementChildOrder(t *testing.T) {
	root := NewElement("ul")
	b := NewElement("li")
	b.AppendChild(NewText("b"))
	root.AppendChild(b)
	c := NewElement("li")
	c.AppendChild(NewText("c"))
	root.AppendChild(c)
	a := NewElement("li")
	a.AppendChild(NewText("a"))
	root.PrependChild(a)
	assert.Equal(t, "<ul><li>a</li><li>b</li><li>c</li></ul>", root.HTML())
}

func TestElementDetachAndReattach(t *testing.T) {
	root := NewElement("div")
	child := NewElement("span")
	root.AppendChild(child)
	require.Len(t, root.Children, 1)

	child.Detach()
	assert.Empty(t, root.Children)
	child.Detach() // no parent, no-op

	other := NewElement("div")
	other.AppendChild(child)
	// Appending an attached node moves it.
	root.AppendChild(child)
	assert.Empty(t, other.Children)
	require.Len(t, root.Children, 1)
}

func TestElementClasses(t *testing.T) {
	e := NewElement("div")
	e.AddClass("one")
	e.AddClass("two")
	e.AddClass("one")
	assert.Equal(t, "one two", e.Attr("class"))
	assert.True(t, e.HasClass("one"))
	assert.False(t, e.HasClass("three"))
	e.RemoveClass("one")
	assert.Equal(t, "two", e.Attr("class"))
	assert.False(t, e.HasClass("one"))
}

func TestElementChildByID(t *testing.T) {
	root := NewElement("div")
	mid := NewElement("div")
	leaf := NewElement("span")
	leaf.SetAttr("id", "target")
	mid.AppendChild(leaf)
	root.AppendChild(mid)

	assert.Same(t, leaf, root.ChildByID("target"))
	assert.Nil(t, root.ChildByID("missing"))
}
