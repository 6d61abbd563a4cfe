package resolve

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

func attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// isVisible approximates visibility on a snapshot, where no layout exists:
// hidden/aria-hidden elements, hidden inputs and inline display:none or
// visibility:hidden styles are excluded.
func isVisible(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if hasAttr(cur, "hidden") || attr(cur, "aria-hidden") == "true" {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(attr(cur, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	if strings.EqualFold(n.Data, "input") && strings.EqualFold(attr(n, "type"), "hidden") {
		return false
	}
	return true
}

// visibleText returns the node's text content with whitespace collapsed.
func visibleText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		if cur.Type == html.TextNode {
			sb.WriteString(cur.Data)
			return
		}
		if cur.Type == html.ElementNode {
			switch strings.ToLower(cur.Data) {
			case "script", "style", "noscript":
				return
			}
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if n != nil {
		walk(n)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// isInteractive reports whether the element carries interactive semantics
// (an actual button/link or an ARIA button role) rather than being a
// generic container.
func isInteractive(n *html.Node) bool {
	if n == nil {
		return false
	}
	switch strings.ToLower(n.Data) {
	case "a", "button", "input", "select", "option", "summary":
		return true
	}
	switch attr(n, "role") {
	case "button", "link", "option", "menuitem", "tab":
		return true
	}
	return false
}

// enclosingHref returns the href of the node or its nearest anchor
// ancestor, empty when the element is not part of a link.
func enclosingHref(n *html.Node) string {
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if strings.EqualFold(cur.Data, "a") {
			if href := attr(cur, "href"); href != "" && !strings.HasPrefix(href, "javascript:") {
				return href
			}
			return ""
		}
	}
	return ""
}

// describe builds a short human descriptor for results and logs.
func describe(n *html.Node, fallback string) string {
	if n == nil {
		return fallback
	}
	var sb strings.Builder
	sb.WriteString(strings.ToLower(n.Data))
	if id := attr(n, "id"); id != "" {
		sb.WriteString("#" + id)
	}
	if text := visibleText(n); text != "" {
		if len(text) > 48 {
			text = text[:48]
		}
		sb.WriteString(fmt.Sprintf("[text=%q]", text))
	} else if fallback != "" {
		sb.WriteString(fmt.Sprintf("[desc=%q]", fallback))
	}
	return sb.String()
}

// UniqueXPath generates a stable XPath for the node, anchoring on the
// nearest ancestor with an id to keep locators short and drift-resistant.
func UniqueXPath(node *html.Node) string {
	if node == nil {
		return ""
	}

	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if tag == "" {
			continue
		}

		if id := attr(n, "id"); id != "" {
			path = append(path, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}

		// 1-based position among same-tag siblings.
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.EqualFold(prev.Data, tag) {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}

	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//*[@id=") {
		xpath = "/" + xpath
	}
	return xpath
}
