package memory

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/axonlabs/mnemo-go/core"
	"github.com/axonlabs/mnemo-go/vectorstore"
)

// Hints is workspace vocabulary used to make generated episode
// descriptions more specific: dependency names, top-level directories,
// recurring terms from prior facts.
type Hints struct {
	Deps []string
	Dirs []string
	Tags []string
}

// Empty reports whether the hint set carries nothing.
func (h Hints) Empty() bool {
	return len(h.Deps) == 0 && len(h.Dirs) == 0 && len(h.Tags) == 0
}

// HintsProvider is a best-effort source of workspace vocabulary.
// Implementations should degrade rather than fail; regardless, the
// engine treats any error as an empty hint set.
type HintsProvider interface {
	GetHints(ctx context.Context, project *core.ProjectContext) (Hints, error)
}

// FactTermHints derives tag hints from terms that recur across the
// workspace's stored facts. It is the engine's built-in HintsProvider;
// hosts with richer knowledge (lockfiles, directory listings) can wrap
// or replace it.
type FactTermHints struct {
	store      vectorstore.Store
	collection func(workspace string) string
	maxTags    int
}

// NewFactTermHints builds hints from the facts already stored for a
// workspace. collection maps a workspace ID to its physical collection
// name.
func NewFactTermHints(store vectorstore.Store, collection func(string) string) *FactTermHints {
	return &FactTermHints{
		store:      store,
		collection: collection,
		maxTags:    8,
	}
}

func (h *FactTermHints) GetHints(ctx context.Context, project *core.ProjectContext) (Hints, error) {
	if project == nil || project.WorkspaceID == "" {
		return Hints{}, nil
	}
	page, err := h.store.Filter(ctx, h.collection(project.WorkspaceID), 128,
		map[string]any{"workspace_id": project.WorkspaceID}, "")
	if err != nil {
		// Best effort only.
		return Hints{}, nil
	}

	counts := make(map[string]int)
	for _, rec := range page.Records {
		content, _ := rec.Payload["content"].(string)
		for _, term := range significantTerms(content) {
			counts[term]++
		}
	}

	type tc struct {
		term  string
		count int
	}
	var ranked []tc
	for term, count := range counts {
		if count >= 2 {
			ranked = append(ranked, tc{term, count})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].term < ranked[j].term
	})

	hints := Hints{}
	for _, t := range ranked {
		if len(hints.Tags) >= h.maxTags {
			break
		}
		hints.Tags = append(hints.Tags, t.term)
	}
	return hints, nil
}

// significantTerms pulls candidate vocabulary out of fact content:
// lowercase words of 4+ letters that are not conversational filler.
func significantTerms(content string) []string {
	var terms []string
	for _, word := range strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	}) {
		if len(word) < 4 || stopWords[word] {
			continue
		}
		terms = append(terms, word)
	}
	return terms
}

var stopWords = map[string]bool{
	"this": true, "that": true, "with": true, "uses": true, "using": true,
	"from": true, "have": true, "been": true, "they": true, "when": true,
	"which": true, "their": true, "about": true, "should": true, "would": true,
	"project": true, "workspace": true,
}
