package resolve

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/autopilot-sh/autopilot/api/schemas"
)

// Strategy is a named heuristic resolution tier. Heuristics run after the
// built-in tiers, in registration order, so site-specific special cases
// never touch the core tiering logic.
type Strategy interface {
	Name() string
	Resolve(doc *goquery.Document, step schemas.Step) (*html.Node, bool)
}

// Register appends a heuristic strategy to the resolver.
func (r *Resolver) Register(s Strategy) {
	if s != nil {
		r.heuristics = append(r.heuristics, s)
	}
}

// NavLandmark searches primary navigation landmarks for an entry whose text
// matches the step's derived search phrase. Useful for apps whose menu
// selectors churn but whose landmark structure is stable.
type NavLandmark struct{}

func (NavLandmark) Name() string { return "nav-landmark" }

func (NavLandmark) Resolve(doc *goquery.Document, step schemas.Step) (*html.Node, bool) {
	phrase := searchPhrase(step.Description)
	if phrase == "" && step.TextContent != "" {
		phrase = strings.TrimSpace(step.TextContent)
	}
	if phrase == "" {
		return nil, false
	}
	needle := strings.ToLower(phrase)

	var found *html.Node
	doc.Find(`nav a, nav button, [role="navigation"] a, [role="navigation"] button, aside a`).
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			node := s.Get(0)
			if !isVisible(node) {
				return true
			}
			text := strings.ToLower(visibleText(node))
			if strings.Contains(text, needle) || strings.Contains(strings.ToLower(attr(node, "aria-label")), needle) {
				found = node
				return false
			}
			return true
		})
	return found, found != nil
}
