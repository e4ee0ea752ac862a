package notecodec

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/burrowkit/burrow/pkg/types"
)

const (
	fence = "---"

	// maxHeaderDepth bounds YAML nesting in a block header, guarding the
	// parser against pathological documents.
	maxHeaderDepth = 8
)

// Meta is the structured header of a single note block: the full memory
// header minus repo_path and id, which derive from the block's location.
type Meta struct {
	Namespace types.Namespace
	Timestamp time.Time
	Summary   string
	Spec      string
	Phase     string
	Tags      []string
	Status    types.Status
	RelatesTo []string
}

// Block is one decoded memory within a note, with its position ordinal
type Block struct {
	Meta    Meta
	Body    string
	Ordinal int
}

// Codec serializes and parses note blocks under configured size limits
type Codec struct {
	MaxSummaryChars int
	MaxContentBytes int
}

// NewCodec returns a codec with the given ingress limits
func NewCodec(maxSummaryChars, maxContentBytes int) *Codec {
	return &Codec{
		MaxSummaryChars: maxSummaryChars,
		MaxContentBytes: maxContentBytes,
	}
}

// header is the YAML wire form of Meta. Field order here is the emitted
// order; empty optionals are omitted, never written as empty values.
type header struct {
	Type      string   `yaml:"type"`
	Timestamp string   `yaml:"timestamp"`
	Summary   string   `yaml:"summary"`
	Spec      string   `yaml:"spec,omitempty"`
	Phase     string   `yaml:"phase,omitempty"`
	Tags      []string `yaml:"tags,omitempty,flow"`
	Status    string   `yaml:"status,omitempty"`
	RelatesTo []string `yaml:"relates_to,omitempty"`
}

// Encode renders a validated (meta, body) pair as a fenced block
func (c *Codec) Encode(meta Meta, body string) (string, error) {
	if err := c.Validate(meta, body); err != nil {
		return "", err
	}

	status := meta.Status
	if status == "" {
		status = types.StatusActive
	}

	h := header{
		Type:      string(meta.Namespace),
		Timestamp: meta.Timestamp.UTC().Format(time.RFC3339),
		Summary:   meta.Summary,
		Spec:      meta.Spec,
		Phase:     meta.Phase,
		Tags:      dedupeTags(meta.Tags),
		Status:    string(status),
		RelatesTo: meta.RelatesTo,
	}

	encoded, err := yaml.Marshal(&h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal block header: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(fence)
	sb.WriteString("\n")
	sb.Write(encoded)
	sb.WriteString(fence)
	sb.WriteString("\n\n")
	sb.WriteString(strings.TrimRight(body, "\n"))
	sb.WriteString("\n")
	return sb.String(), nil
}

// Separator joins successive blocks inside one git note
const Separator = "\n"

// Decode parses a note into its ordered blocks, assigning ordinals by
// position. Trailing whitespace is tolerated; a fence line inside a body
// that does not open a parseable header is kept as body text.
func (c *Codec) Decode(text string) ([]Block, error) {
	if !utf8.ValidString(text) {
		return nil, &types.ParseError{Reason: "note is not valid UTF-8"}
	}

	lines := strings.Split(text, "\n")
	var blocks []Block

	i := 0
	for i < len(lines) {
		// Skip leading blank lines between blocks.
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) {
			break
		}

		if strings.TrimRight(lines[i], " \t") != fence {
			return nil, &types.ParseError{
				Block:  len(blocks),
				Reason: fmt.Sprintf("expected header fence, found %q", lines[i]),
			}
		}

		// Collect header lines up to the closing fence.
		j := i + 1
		for j < len(lines) && strings.TrimRight(lines[j], " \t") != fence {
			j++
		}
		if j >= len(lines) {
			return nil, &types.ParseError{Block: len(blocks), Reason: "unterminated header fence"}
		}

		meta, err := c.parseHeader(strings.Join(lines[i+1:j], "\n"), len(blocks))
		if err != nil {
			return nil, err
		}

		// Body runs until the next fence that opens a parseable header.
		k := j + 1
		if k < len(lines) && strings.TrimSpace(lines[k]) == "" {
			k++
		}
		bodyStart := k
		bodyEnd := len(lines)
		for ; k < len(lines); k++ {
			if strings.TrimRight(lines[k], " \t") != fence {
				continue
			}
			if k > bodyStart && strings.TrimSpace(lines[k-1]) != "" {
				continue // fence must follow a blank line to open a block
			}
			if c.peekHeader(lines, k) {
				bodyEnd = k
				break
			}
		}

		body := strings.TrimRight(strings.Join(lines[bodyStart:bodyEnd], "\n"), " \t\n")
		blocks = append(blocks, Block{Meta: meta, Body: body, Ordinal: len(blocks)})
		i = bodyEnd
	}

	if len(blocks) == 0 {
		return nil, &types.ParseError{Reason: "note contains no blocks"}
	}
	return blocks, nil
}

// peekHeader reports whether the fence at lines[at] opens a block whose
// header parses with the required fields present.
func (c *Codec) peekHeader(lines []string, at int) bool {
	j := at + 1
	for j < len(lines) && strings.TrimRight(lines[j], " \t") != fence {
		j++
	}
	if j >= len(lines) {
		return false
	}
	_, err := c.parseHeader(strings.Join(lines[at+1:j], "\n"), -1)
	return err == nil
}

func (c *Codec) parseHeader(raw string, ordinal int) (Meta, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return Meta{}, &types.ParseError{Block: ordinal, Reason: fmt.Sprintf("malformed header: %v", err)}
	}
	if depth := nodeDepth(&doc); depth > maxHeaderDepth {
		return Meta{}, &types.ParseError{Block: ordinal, Reason: fmt.Sprintf("header nesting depth %d exceeds limit", depth)}
	}

	var h header
	if err := doc.Decode(&h); err != nil {
		return Meta{}, &types.ParseError{Block: ordinal, Reason: fmt.Sprintf("malformed header: %v", err)}
	}

	if h.Type == "" {
		return Meta{}, &types.ParseError{Block: ordinal, Reason: "required field type missing"}
	}
	if h.Summary == "" {
		return Meta{}, &types.ParseError{Block: ordinal, Reason: "required field summary missing"}
	}
	if h.Timestamp == "" {
		return Meta{}, &types.ParseError{Block: ordinal, Reason: "required field timestamp missing"}
	}

	ts, err := time.Parse(time.RFC3339, h.Timestamp)
	if err != nil {
		return Meta{}, &types.ParseError{Block: ordinal, Reason: fmt.Sprintf("bad timestamp %q: %v", h.Timestamp, err)}
	}

	status := types.Status(h.Status)
	if h.Status == "" {
		status = types.StatusActive
	}

	return Meta{
		Namespace: types.Namespace(h.Type),
		Timestamp: ts.UTC(),
		Summary:   h.Summary,
		Spec:      h.Spec,
		Phase:     h.Phase,
		Tags:      h.Tags,
		Status:    status,
		RelatesTo: h.RelatesTo,
	}, nil
}

// nodeDepth measures the nesting depth of a parsed YAML document
func nodeDepth(n *yaml.Node) int {
	if n == nil || len(n.Content) == 0 {
		return 0
	}
	max := 0
	for _, child := range n.Content {
		if d := nodeDepth(child); d > max {
			max = d
		}
	}
	return max + 1
}

// Validate checks a (meta, body) pair against the ingress contract.
// Oversized inputs are rejected, never truncated.
func (c *Codec) Validate(meta Meta, body string) error {
	if !meta.Namespace.Valid() {
		return &types.ValidationError{Field: "namespace", Reason: fmt.Sprintf("unknown namespace %q", meta.Namespace)}
	}
	if meta.Summary == "" {
		return &types.ValidationError{Field: "summary", Reason: "must not be empty"}
	}
	if strings.ContainsAny(meta.Summary, "\r\n") {
		return &types.ValidationError{Field: "summary", Reason: "must be a single line"}
	}
	if n := utf8.RuneCountInString(meta.Summary); n > c.MaxSummaryChars {
		return &types.ValidationError{Field: "summary", Reason: fmt.Sprintf("length %d exceeds %d chars", n, c.MaxSummaryChars)}
	}
	if !utf8.ValidString(body) {
		return &types.ValidationError{Field: "content", Reason: "not valid UTF-8"}
	}
	if len(body) > c.MaxContentBytes {
		return &types.ValidationError{Field: "content", Reason: "too_large"}
	}
	if meta.Timestamp.IsZero() {
		return &types.ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	if meta.Status != "" && !meta.Status.Valid() {
		return &types.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", meta.Status)}
	}
	if meta.Spec != "" && !printableSlug(meta.Spec) {
		return &types.ValidationError{Field: "spec", Reason: "must be a printable slug"}
	}
	return nil
}

func printableSlug(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return s != ""
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
