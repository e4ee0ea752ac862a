package pattern

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowkit/burrow/pkg/capture"
	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/log"
	"github.com/burrowkit/burrow/pkg/types"
)

const (
	// DefaultWindowDays bounds how far back pattern mining looks
	DefaultWindowDays = 30
	// similarityThreshold joins two memories into one cluster
	similarityThreshold = 0.3
	// minSupport is the smallest cluster that yields a candidate
	minSupport = 2
	// promoteSupport is the evidence count that validates a pattern
	promoteSupport = 5
)

// sourceNamespaces feed pattern mining
var sourceNamespaces = []types.Namespace{
	types.NamespaceLearnings,
	types.NamespaceDecisions,
	types.NamespaceRetrospective,
}

// Engine mines recurring themes across recent memories and emits derived
// pattern memories with a confidence and lifecycle status.
type Engine struct {
	idx     *index.Store
	capture *capture.Engine
	logger  zerolog.Logger

	now func() time.Time
}

// NewEngine wires a pattern engine
func NewEngine(idx *index.Store, cap *capture.Engine) *Engine {
	return &Engine{
		idx:     idx,
		capture: cap,
		logger:  log.WithComponent("pattern"),
		now:     time.Now,
	}
}

// document is one memory prepared for clustering
type document struct {
	mem    *types.Memory
	terms  map[string]float64 // tf-idf weights
	norm   float64
	tokens map[string]int
}

// Mine clusters recent source memories by term similarity and derives one
// candidate pattern per cluster meeting minimum support.
func (e *Engine) Mine(ctx context.Context, windowDays int) ([]*types.Pattern, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	cutoff := e.now().UTC().AddDate(0, 0, -windowDays)

	var docs []*document
	for _, ns := range sourceNamespaces {
		mems, err := e.idx.ListRecent(ns, 0)
		if err != nil {
			return nil, err
		}
		for _, mem := range mems {
			if mem.Timestamp.Before(cutoff) {
				continue
			}
			if mem.Status == types.StatusTombstone {
				continue
			}
			docs = append(docs, &document{mem: mem, tokens: tokenize(mem.Summary + " " + mem.Content)})
		}
	}
	if len(docs) < minSupport {
		return nil, nil
	}

	weighTFIDF(docs)
	clusters := cluster(docs)

	var patterns []*types.Pattern
	for _, members := range clusters {
		if len(members) < minSupport {
			continue
		}
		patterns = append(patterns, e.derive(members))
	}

	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Confidence > patterns[j].Confidence })
	e.logger.Info().Int("documents", len(docs)).Int("patterns", len(patterns)).Msg("pattern mining complete")
	return patterns, nil
}

// Emit captures mined patterns into the patterns namespace
func (e *Engine) Emit(ctx context.Context, patterns []*types.Pattern) ([]string, error) {
	var ids []string
	for _, p := range patterns {
		res, err := e.capture.CapturePattern(ctx,
			p.Summary, p.Content, p.PatternType, p.Confidence, p.PatternStat, p.Evidence)
		if err != nil {
			return ids, err
		}
		ids = append(ids, res.ID)
	}
	return ids, nil
}

// derive turns one cluster into a pattern with confidence proportional to
// cohesion and size.
func (e *Engine) derive(members []*document) *types.Pattern {
	cohesion := avgPairwiseSimilarity(members)
	sizeFactor := 1 - 1/float64(1+len(members))
	confidence := cohesion * sizeFactor
	if confidence > 1 {
		confidence = 1
	}

	status := types.PatternCandidate
	if len(members) >= promoteSupport {
		status = types.PatternValidated
	}
	contradicted := false
	for _, d := range members {
		for _, tag := range d.mem.Tags {
			if tag == "contradicted" || tag == "anti-pattern" {
				contradicted = true
			}
		}
	}
	if contradicted {
		status = types.PatternDemoted
	}

	evidence := make([]string, 0, len(members))
	byNamespace := make(map[types.Namespace]int)
	for _, d := range members {
		evidence = append(evidence, d.mem.ID)
		byNamespace[d.mem.Namespace]++
	}

	top := topTerms(members, 5)
	summary := "Recurring theme: " + strings.Join(top, ", ")
	if len(summary) > 100 {
		summary = summary[:97] + "..."
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Cluster of %d memories with top terms: %s.\n\n", len(members), strings.Join(top, ", "))
	for _, d := range members {
		fmt.Fprintf(&body, "- %s: %s\n", d.mem.ID, d.mem.Summary)
	}

	return &types.Pattern{
		Memory: types.Memory{
			Namespace: types.NamespacePatterns,
			Summary:   summary,
			Content:   body.String(),
			Timestamp: e.now().UTC(),
		},
		PatternType: inferType(byNamespace, contradicted),
		Confidence:  confidence,
		PatternStat: status,
		Evidence:    evidence,
	}
}

// inferType picks the pattern type from the dominant source namespace
func inferType(byNamespace map[types.Namespace]int, contradicted bool) types.PatternType {
	if contradicted {
		return types.PatternAnti
	}
	best, bestCount := types.NamespaceLearnings, -1
	for ns, n := range byNamespace {
		if n > bestCount {
			best, bestCount = ns, n
		}
	}
	switch best {
	case types.NamespaceDecisions:
		return types.PatternDecision
	case types.NamespaceRetrospective:
		return types.PatternWorkflow
	default:
		return types.PatternSuccess
	}
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"we": {}, "with": {},
}

func tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	var current strings.Builder
	flush := func() {
		if current.Len() < 3 {
			current.Reset()
			return
		}
		word := current.String()
		current.Reset()
		if _, stop := stopwords[word]; stop {
			return
		}
		tokens[word]++
	}
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// weighTFIDF fills each document's term weights and vector norm
func weighTFIDF(docs []*document) {
	df := make(map[string]int)
	for _, d := range docs {
		for term := range d.tokens {
			df[term]++
		}
	}

	n := float64(len(docs))
	for _, d := range docs {
		d.terms = make(map[string]float64, len(d.tokens))
		var sumSquares float64
		for term, tf := range d.tokens {
			idf := math.Log(n/float64(df[term])) + 1
			w := float64(tf) * idf
			d.terms[term] = w
			sumSquares += w * w
		}
		d.norm = math.Sqrt(sumSquares)
	}
}

func cosine(a, b *document) float64 {
	if a.norm == 0 || b.norm == 0 {
		return 0
	}
	// Iterate the smaller map.
	small, large := a, b
	if len(b.terms) < len(a.terms) {
		small, large = b, a
	}
	var dot float64
	for term, w := range small.terms {
		if lw, ok := large.terms[term]; ok {
			dot += w * lw
		}
	}
	return dot / (a.norm * b.norm)
}

// cluster greedily groups documents by single-link similarity
func cluster(docs []*document) [][]*document {
	assigned := make([]bool, len(docs))
	var clusters [][]*document

	for i := range docs {
		if assigned[i] {
			continue
		}
		members := []*document{docs[i]}
		assigned[i] = true

		for j := i + 1; j < len(docs); j++ {
			if assigned[j] {
				continue
			}
			for _, m := range members {
				if cosine(m, docs[j]) >= similarityThreshold {
					members = append(members, docs[j])
					assigned[j] = true
					break
				}
			}
		}
		clusters = append(clusters, members)
	}
	return clusters
}

func avgPairwiseSimilarity(members []*document) float64 {
	if len(members) < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			sum += cosine(members[i], members[j])
			count++
		}
	}
	return sum / float64(count)
}

// topTerms returns the k terms with the highest weight summed across a
// cluster; a term need not appear in more than one member.
func topTerms(members []*document, k int) []string {
	totals := make(map[string]float64)
	for _, d := range members {
		for term, w := range d.terms {
			totals[term] += w
		}
	}
	terms := make([]string, 0, len(totals))
	for term := range totals {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if totals[terms[i]] != totals[terms[j]] {
			return totals[terms[i]] > totals[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > k {
		terms = terms[:k]
	}
	return terms
}
