package widget

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultProbeTimeout bounds how long a single image probe may take before
// it settles as invalid.
const DefaultProbeTimeout = 10 * time.Second

// urlPattern detects inline URLs: http://, https://, or a bare www. prefix,
// running to whitespace or a quote/bracket, with trailing sentence
// punctuation excluded from the match.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']*[^\s<>"'.,!?;:)\]]`)

// SegmentKind tags a split segment.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentLink
)

// Segment is one piece of message text after URL splitting. Segments appear
// in original text order; empty literal runs are elided since they render to
// nothing.
type Segment struct {
	Kind  SegmentKind
	Value string
}

// SplitSegments splits text into alternating literal and URL segments.
func SplitSegments(text string) []Segment {
	var segs []Segment
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			segs = append(segs, Segment{Kind: SegmentText, Value: text[last:loc[0]]})
		}
		segs = append(segs, Segment{Kind: SegmentLink, Value: text[loc[0]:loc[1]]})
		last = loc[1]
	}
	if last < len(text) {
		segs = append(segs, Segment{Kind: SegmentText, Value: text[last:]})
	}
	return segs
}

// NormalizeURL makes a detected URL absolute, prefixing http:// when the
// match carried no scheme.
func NormalizeURL(raw string) string {
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw
	}
	return "http://" + raw
}

// ImageProber reports whether a URL serves an image. Failures of any kind
// are expected and silently absorbed; a broken image URL degrades to "show
// link only".
type ImageProber interface {
	Probe(ctx context.Context, url string) bool
}

// HTTPImageProber validates image URLs by fetching them and checking the
// content type, sniffing the body when the header is absent.
type HTTPImageProber struct {
	Client *http.Client
}

func (p *HTTPImageProber) Probe(ctx context.Context, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		buf := make([]byte, 512)
		n, _ := resp.Body.Read(buf)
		ct = http.DetectContentType(buf[:n])
	}
	return strings.HasPrefix(ct, "image/")
}

// ContentRenderer turns message text into an ordered sequence of text,
// link, and asynchronously validated image nodes.
type ContentRenderer struct {
	Prober  ImageProber
	Timeout time.Duration

	// Commit serializes element-tree mutations from the asynchronous phase.
	// The owning view installs a lock-holding implementation; nil runs the
	// mutation directly.
	Commit func(fn func())
}

func (r *ContentRenderer) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultProbeTimeout
}

func (r *ContentRenderer) commit(fn func()) {
	if r.Commit != nil {
		r.Commit(fn)
		return
	}
	fn()
}

// Render appends the text and link nodes for text to body synchronously,
// then probes every detected URL as an image concurrently. Once all probes
// settle, validated images are appended to the images region in original
// left-to-right order; the region is detached when none validated or the
// context was cancelled. refresh fires after the synchronous phase and again
// after the asynchronous one, in every path. The returned channel closes
// when the asynchronous phase has settled.
func (r *ContentRenderer) Render(ctx context.Context, text string, body, images *Element, refresh func()) <-chan struct{} {
	done := make(chan struct{})

	segs := SplitSegments(text)
	var candidates []string
	for _, seg := range segs {
		switch seg.Kind {
		case SegmentText:
			if seg.Value != "" {
				body.AppendChild(NewText(seg.Value))
			}
		case SegmentLink:
			href := NormalizeURL(seg.Value)
			a := NewElement("a")
			a.SetAttr("href", href)
			a.SetAttr("target", "_blank")
			a.SetAttr("rel", "noopener noreferrer")
			a.AppendChild(NewText(seg.Value))
			body.AppendChild(a)
			candidates = append(candidates, href)
		}
	}
	if refresh != nil {
		refresh()
	}

	if len(candidates) == 0 {
		images.Detach()
		if refresh != nil {
			refresh()
		}
		close(done)
		return done
	}

	go func() {
		defer close(done)
		// Each probe gets its own bounded context; a probe that outlives it
		// settles as invalid and any late result is discarded.
		results := make([]bool, len(candidates))
		var wg sync.WaitGroup
		for i, href := range candidates {
			wg.Add(1)
			go func(i int, href string) {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(ctx, r.timeout())
				defer cancel()
				if r.Prober != nil {
					results[i] = r.Prober.Probe(pctx, href)
				}
			}(i, href)
		}
		wg.Wait()
		if ctx.Err() != nil {
			r.commit(func() { images.Detach() })
			if refresh != nil {
				refresh()
			}
			return
		}
		r.commit(func() {
			any := false
			for i, ok := range results {
				if !ok {
					continue
				}
				img := NewElement("img")
				img.SetAttr("src", candidates[i])
				img.SetAttr("alt", "")
				img.AddClass("chat-image")
				images.AppendChild(img)
				any = true
			}
			if !any {
				images.Detach()
			}
		})
		if refresh != nil {
			refresh()
		}
	}()
	return done
}
