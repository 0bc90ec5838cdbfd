package widget

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(id, text string) *Message {
	return &Message{
		ID:        id,
		Text:      text,
		Timestamp: 1700000000000,
		User: UserRef{
			ID:          "u1",
			DisplayName: "alice",
			AvatarColor: "#e74c3c",
		},
	}
}

func newTestView(cfg ViewConfig) *MessageView {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.Local) }
	}
	return NewMessageView(cfg, &ContentRenderer{Prober: &fakeProber{}})
}

func mustAppend(t *testing.T, v *MessageView, m *Message) {
	t.Helper()
	done, err := v.Append(context.Background(), m)
	require.NoError(t, err)
	require.NotNil(t, done)
	<-done
}

func TestViewAppendOrder(t *testing.T) {
	v := newTestView(ViewConfig{})
	mustAppend(t, v, testMessage("100_1", "first"))
	mustAppend(t, v, testMessage("200_1", "second"))
	mustAppend(t, v, testMessage("300_1", "third"))
	assert.Equal(t, []string{"100_1", "200_1", "300_1"}, v.EntryIDs())
}

func TestViewPrependBuildsHistoryTopDown(t *testing.T) {
	// History replay walks newest first and prepends, so the final visual
	// order is oldest at the top.
	v := newTestView(ViewConfig{})
	for _, id := range []string{"300_1", "200_1", "100_1"} {
		done, err := v.Prepend(context.Background(), testMessage(id, "m"+id))
		require.NoError(t, err)
		<-done
	}
	assert.Equal(t, []string{"100_1", "200_1", "300_1"}, v.EntryIDs())
}

func TestViewDedupByID(t *testing.T) {
	v := newTestView(ViewConfig{})
	mustAppend(t, v, testMessage("100_1", "once"))

	done, err := v.Append(context.Background(), testMessage("100_1", "twice"))
	require.NoError(t, err)
	assert.Nil(t, done, "duplicate id must be absorbed")

	done, err = v.Prepend(context.Background(), testMessage("100_1", "thrice"))
	require.NoError(t, err)
	assert.Nil(t, done)

	require.Equal(t, []string{"100_1"}, v.EntryIDs())
	assert.Contains(t, v.HTML(), "once")
	assert.NotContains(t, v.HTML(), "twice")
}

func TestViewRejectsMalformed(t *testing.T) {
	v := newTestView(ViewConfig{})

	m := testMessage("not-a-key", "x")
	_, err := v.Append(context.Background(), m)
	assert.Error(t, err)

	m = testMessage("100_1", "x")
	m.User.ID = ""
	_, err = v.Append(context.Background(), m)
	assert.Error(t, err)

	m = testMessage("100_2", "x")
	m.Timestamp = 0
	_, err = v.Append(context.Background(), m)
	assert.Error(t, err)

	assert.Empty(t, v.EntryIDs())
}

func TestViewEntryAttributes(t *testing.T) {
	v := newTestView(ViewConfig{LocalUserID: "u1", DisplayNameLimit: 3})
	m := testMessage("100_1", "hello")
	m.User.DisplayName = "alexander"
	m.Timestamp = time.Date(2024, 6, 15, 12, 0, 0, 0, time.Local).UnixMilli()
	mustAppend(t, v, m)

	entry := v.Entry("100_1")
	require.NotNil(t, entry)
	assert.Equal(t, "100_1", entry.Attr("data-message-id"))
	assert.Equal(t, "u1", entry.Attr("data-user-id"))
	assert.Equal(t, "alexander", entry.Attr("title"), "full name survives in the tooltip")
	assert.True(t, entry.HasClass("message"))
	assert.True(t, entry.HasClass("user-u1"))
	assert.True(t, entry.HasClass("local"))

	html := v.HTML()
	assert.Contains(t, html, "ale...")
	assert.Contains(t, html, "Sat 12:00")
	assert.Contains(t, html, `data-color="#e74c3c"`)
}

func TestViewNotLocalWithoutMatch(t *testing.T) {
	v := newTestView(ViewConfig{LocalUserID: "someone-else"})
	mustAppend(t, v, testMessage("100_1", "hi"))
	assert.False(t, v.Entry("100_1").HasClass("local"))
}

func TestViewEscapesStoredText(t *testing.T) {
	v := newTestView(ViewConfig{})
	// Stored text arrives transit-escaped; the view unescapes it and the
	// serializer re-escapes on output, so markup never executes.
	mustAppend(t, v, testMessage("100_1", EscapeForTransit(`<script>alert("x")</script>`)))
	html := v.HTML()
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestViewCollapse(t *testing.T) {
	var scrolls int32
	v := newTestView(ViewConfig{
		Collapsed: true,
		OnScroll:  func() { atomic.AddInt32(&scrolls, 1) },
	})
	assert.True(t, v.Collapsed())
	assert.Contains(t, v.HTML(), "collapsed")

	before := atomic.LoadInt32(&scrolls)
	v.SetCollapsed(false)
	assert.False(t, v.Collapsed())
	assert.Greater(t, atomic.LoadInt32(&scrolls), before, "expanding re-triggers scroll")

	v.SetCollapsed(true)
	assert.True(t, v.Collapsed())
}

func TestViewScrollPerMessage(t *testing.T) {
	var scrolls int32
	v := newTestView(ViewConfig{OnScroll: func() { atomic.AddInt32(&scrolls, 1) }})
	for i := 0; i < 3; i++ {
		mustAppend(t, v, testMessage(fmt.Sprintf("%d_1", 100+i), "m"))
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&scrolls), int32(3))
}

func TestViewAsyncImageCommitSerialized(t *testing.T) {
	gate := make(chan struct{})
	img := "http://a.com/p.png"
	prober := &fakeProber{
		valid: map[string]bool{img: true},
		gates: map[string]chan struct{}{img: gate},
	}
	v := NewMessageView(ViewConfig{
		Now: func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.Local) },
	}, &ContentRenderer{Prober: prober})

	done, err := v.Append(context.Background(), testMessage("100_1", img))
	require.NoError(t, err)
	assert.NotContains(t, v.HTML(), "<img")

	// Concurrent reads while the probe is in flight must be safe.
	for i := 0; i < 10; i++ {
		_ = v.HTML()
	}
	close(gate)
	<-done
	html := v.HTML()
	assert.Contains(t, html, "<img")
	assert.Contains(t, html, `src="http://a.com/p.png"`)
	assert.Equal(t, 1, strings.Count(html, "<img"))
}
