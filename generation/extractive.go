package generation

import (
	"context"
	"sort"
	"strings"

	"github.com/glimte/agentbus/vectorstore"
)

// Extractive answers with the sentences of the supplied documents that share
// the most terms with the query
type Extractive struct {
	maxSentences int
}

// NewExtractive creates an extractive generator returning at most maxSentences
// sentences
func NewExtractive(maxSentences int) *Extractive {
	if maxSentences <= 0 {
		maxSentences = 2
	}
	return &Extractive{maxSentences: maxSentences}
}

type scoredSentence struct {
	text  string
	score int
	order int
}

// Generate implements Generator
func (e *Extractive) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	queryTerms := map[string]struct{}{}
	for _, term := range vectorstore.Tokenize(req.Query) {
		queryTerms[term] = struct{}{}
	}

	var candidates []scoredSentence
	for _, doc := range req.Documents {
		for _, sentence := range splitSentences(doc) {
			score := 0
			for _, term := range vectorstore.Tokenize(sentence) {
				if _, ok := queryTerms[term]; ok {
					score++
				}
			}
			if score > 0 {
				candidates = append(candidates, scoredSentence{text: sentence, score: score, order: len(candidates)})
			}
		}
	}

	if len(candidates) == 0 {
		return NoAnswer, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > e.maxSentences {
		candidates = candidates[:e.maxSentences]
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].order < candidates[j].order
	})

	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = c.text
	}
	return strings.Join(parts, " "), nil
}

func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			sentences = append(sentences, s)
		}
		b.Reset()
	}
	for _, r := range text {
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()
	return sentences
}
