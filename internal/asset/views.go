package asset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Text decodes the bytes as text, honouring a UTF-8 or UTF-16 byte order mark.
func (a *Asset) Text() (string, error) {
	if !a.kind.IsText() {
		return "", fmt.Errorf("asset %s of kind %s has no text view", a.digest, a.kind)
	}
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, a.data)
	if err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	return string(out), nil
}

// JSON returns the parsed structure of a Json asset. The parse is done once.
func (a *Asset) JSON() (any, error) {
	if a.kind != KindJSON {
		return nil, fmt.Errorf("asset %s of kind %s has no json view", a.digest, a.kind)
	}
	a.jsonOnce.Do(func() {
		text, err := a.Text()
		if err != nil {
			a.jsonErr = err
			return
		}
		a.jsonErr = json.Unmarshal([]byte(text), &a.jsonVal)
	})
	return a.jsonVal, a.jsonErr
}

// PlainText strips markup from Html assets; other text kinds return Text.
func (a *Asset) PlainText() (string, error) {
	text, err := a.Text()
	if err != nil || a.kind != KindHTML {
		return text, err
	}
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var sb strings.Builder
	collectText(doc, &sb)
	return strings.Join(strings.Fields(sb.String()), " "), nil
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// HTML renders Markdown assets to HTML; Html assets return their text.
func (a *Asset) HTML() (string, error) {
	switch a.kind {
	case KindHTML:
		return a.Text()
	case KindMarkdown:
		text, err := a.Text()
		if err != nil {
			return "", err
		}
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(text), &buf); err != nil {
			return "", fmt.Errorf("render markdown: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("asset %s of kind %s has no html view", a.digest, a.kind)
	}
}
