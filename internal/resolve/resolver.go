// Package resolve locates a step's target element in a DOM snapshot using a
// tiered fallback strategy. Resolution is a pure read-only function of the
// document; the bounded wait lives in waiter.go.
package resolve

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

// Tier names reported in Resolution.Strategy.
const (
	StrategySelector  = "selector"
	StrategyText      = "text"
	StrategyOption    = "option-catalogue"
	StrategyLooseText = "loose-text"
)

// optionCatalogue covers "option-like" elements for the text tier's
// broadened search: menu items, list items, and elements carrying
// option/role attributes.
const optionCatalogue = `li, option, [role="option"], [role="menuitem"], [role="menuitemcheckbox"], [role="listitem"], [role="treeitem"], [data-automation-id]`

// interactiveCatalogue covers the loose text tier: buttons, links, ARIA
// buttons and elements exposing an automation identifier.
const interactiveCatalogue = `a, button, [role="button"], [role="link"], input[type="submit"], input[type="button"], [data-automation-id]`

// Resolver maps step descriptors to concrete elements. Heuristic
// strategies registered via Register run as the lowest-priority tier.
type Resolver struct {
	logger     *zap.Logger
	heuristics []Strategy
}

// NewResolver creates a resolver with no extra heuristics registered.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.Named("resolver")}
}

// Resolve runs the full tiered strategy once against the snapshot. It never
// mutates the document. The boolean reports whether a match was found.
func (r *Resolver) Resolve(root *html.Node, step schemas.Step) (schemas.Resolution, bool) {
	if root == nil {
		return schemas.Resolution{}, false
	}
	doc := goquery.NewDocumentFromNode(root)

	// A text-content hint constrains the selector tier: matches must contain
	// the hint, and the search broadens to the option catalogue before giving
	// up. Without a hint the first visible selector match wins.
	if step.TextContent != "" {
		if res, ok := r.byTextContent(doc, step); ok {
			return res, true
		}
	} else if res, ok := r.bySelectors(doc, step); ok {
		return res, true
	}

	// Loose text search derived from the step description.
	if res, ok := r.byLooseText(doc, step); ok {
		return res, true
	}

	// Registered heuristics, lowest priority, in registration order.
	for _, h := range r.heuristics {
		if node, ok := h.Resolve(doc, step); ok && node != nil {
			return resolutionFor(node, h.Name(), step.Description), true
		}
	}

	return schemas.Resolution{}, false
}

// selectorCandidates expands the primary selector's comma alternatives and
// appends the fallback selectors, preserving order.
func selectorCandidates(step schemas.Step) []string {
	var out []string
	for _, part := range strings.Split(step.Selector, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	for _, fb := range step.FallbackSelectors {
		if fb = strings.TrimSpace(fb); fb != "" {
			out = append(out, fb)
		}
	}
	return out
}

func (r *Resolver) bySelectors(doc *goquery.Document, step schemas.Step) (schemas.Resolution, bool) {
	for _, sel := range selectorCandidates(step) {
		node := r.firstVisible(doc, sel)
		if node == nil {
			continue
		}
		res := resolutionFor(node, StrategySelector, step.Description)
		res.Matched = sel
		return res, true
	}
	return schemas.Resolution{}, false
}

func (r *Resolver) byTextContent(doc *goquery.Document, step schemas.Step) (schemas.Resolution, bool) {
	hint := strings.ToLower(strings.TrimSpace(step.TextContent))
	if hint == "" {
		return schemas.Resolution{}, false
	}

	// Selector matches filtered by the hint first.
	for _, sel := range selectorCandidates(step) {
		if node := r.bestTextMatch(r.visibleMatches(doc, sel), hint); node != nil {
			res := resolutionFor(node, StrategyText, step.Description)
			res.Matched = sel
			return res, true
		}
	}

	// Broaden to the generic option catalogue.
	if node := r.bestTextMatch(r.visibleMatches(doc, optionCatalogue), hint); node != nil {
		res := resolutionFor(node, StrategyOption, step.Description)
		res.Matched = hint
		return res, true
	}
	return schemas.Resolution{}, false
}

func (r *Resolver) byLooseText(doc *goquery.Document, step schemas.Step) (schemas.Resolution, bool) {
	phrase := searchPhrase(step.Description)
	if phrase == "" {
		return schemas.Resolution{}, false
	}
	if node := r.bestTextMatch(r.visibleMatches(doc, interactiveCatalogue), phrase); node != nil {
		res := resolutionFor(node, StrategyLooseText, step.Description)
		res.Matched = phrase
		return res, true
	}
	return schemas.Resolution{}, false
}

// firstVisible returns the first structurally matching visible element for
// the selector. Invalid selectors are swallowed, the next tier/candidate is
// tried.
func (r *Resolver) firstVisible(doc *goquery.Document, selector string) *html.Node {
	matches := r.visibleMatches(doc, selector)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

func (r *Resolver) visibleMatches(doc *goquery.Document, selector string) []*html.Node {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		r.logger.Debug("Skipping invalid selector.", zap.String("selector", selector), zap.Error(err))
		return nil
	}
	var out []*html.Node
	doc.FindMatcher(sel).Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		if isVisible(node) {
			out = append(out, node)
		}
	})
	return out
}

// bestTextMatch filters candidates by case-insensitive substring containment
// of needle in visible text or accessible label, then tie-breaks: shortest
// visible text first, interactive semantics before generic containers.
func (r *Resolver) bestTextMatch(candidates []*html.Node, needle string) *html.Node {
	needle = strings.ToLower(needle)
	type scored struct {
		node        *html.Node
		textLen     int
		interactive bool
		order       int
	}
	var matched []scored
	for i, n := range candidates {
		text := visibleText(n)
		label := attr(n, "aria-label")
		if !strings.Contains(strings.ToLower(text), needle) &&
			!strings.Contains(strings.ToLower(label), needle) {
			continue
		}
		matched = append(matched, scored{
			node:        n,
			textLen:     len(text),
			interactive: isInteractive(n),
			order:       i,
		})
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].interactive != matched[j].interactive {
			return matched[i].interactive
		}
		if matched[i].textLen != matched[j].textLen {
			return matched[i].textLen < matched[j].textLen
		}
		return matched[i].order < matched[j].order
	})
	return matched[0].node
}

// searchPhrase derives the loose-search phrase from a step description,
// stripping trailing boilerplate such as "button in the sidebar".
func searchPhrase(description string) string {
	phrase := strings.TrimSpace(description)
	lower := strings.ToLower(phrase)
	for _, sep := range []string{" button in ", " link in ", " option in ", " in the ", " on the "} {
		if idx := strings.Index(lower, sep); idx > 0 {
			phrase = phrase[:idx]
			lower = lower[:idx]
		}
	}
	for _, suffix := range []string{" button", " link", " option", " element"} {
		if strings.HasSuffix(lower, suffix) {
			phrase = phrase[:len(phrase)-len(suffix)]
			lower = lower[:len(lower)-len(suffix)]
		}
	}
	phrase = strings.Trim(phrase, `"' `)
	if len(phrase) < 2 {
		return ""
	}
	return phrase
}

func resolutionFor(node *html.Node, strategy, description string) schemas.Resolution {
	return schemas.Resolution{
		Found:      true,
		Locator:    UniqueXPath(node),
		Strategy:   strategy,
		Descriptor: describe(node, description),
		Text:       visibleText(node),
		Href:       enclosingHref(node),
	}
}
