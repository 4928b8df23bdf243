package whatsapp

import (
	"math/rand/v2"
	"strings"

	"golang.org/x/text/cases"

	"github.com/nugget/asesor/internal/prompts"
)

// greeter answers bare greetings without the agent.
type greeter struct {
	patterns map[string]struct{}
	replies  []string
	random   bool
	intn     func(n int) int
}

func newGreeter(patterns, replies []string, random bool) *greeter {
	if len(patterns) == 0 {
		patterns = prompts.DefaultGreetingPatterns
	}
	if len(replies) == 0 {
		replies = []string{prompts.DefaultGreeting}
		if random {
			replies = prompts.DefaultGreetings
		}
	}
	g := &greeter{
		patterns: make(map[string]struct{}, len(patterns)),
		replies:  replies,
		random:   random,
		intn:     rand.IntN,
	}
	for _, p := range patterns {
		g.patterns[fold(p)] = struct{}{}
	}
	return g
}

// match reports whether body, trimmed and case folded, is exactly one
// of the greeting patterns.
func (g *greeter) match(body string) bool {
	_, ok := g.patterns[fold(body)]
	return ok
}

// reply picks the canned greeting.
func (g *greeter) reply() string {
	if g.random && len(g.replies) > 1 {
		return g.replies[g.intn(len(g.replies))]
	}
	return g.replies[0]
}

// fold normalizes text for matching. A new Caser per call keeps fold
// safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
