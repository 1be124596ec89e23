package knowledge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// maxVerdictBytes limits the arbiter LLM response size (5 KB).
const maxVerdictBytes = 5 * 1024

// contradictionPrompt asks the LLM whether two knowledge statements about
// the same shop contradict each other. Nonce-delimited boundaries prevent
// prompt injection from stored content.
// %s placeholders: (1) nonce, (2) existing, (3) nonce, (4) nonce, (5) candidate, (6) nonce.
const contradictionPrompt = `You are a knowledge-base curator for a customer-service assistant. Two statements about the same shop follow. Decide whether they contradict each other, meaning a customer acting on both would be misled (different prices, conflicting policies, incompatible facts).

===EXISTING_%s===
%s
===END_EXISTING_%s===

===CANDIDATE_%s===
%s
===END_CANDIDATE_%s===

Statements that merely cover different topics, or restate the same fact, do NOT contradict.

Output JSON only: {"contradicts": true|false, "reasoning": "..."}`

// verdict is the arbiter's parsed JSON response.
type verdict struct {
	Contradicts bool   `json:"contradicts"`
	Reasoning   string `json:"reasoning"`
}

// GenkitArbiter checks contradictions with an LLM through genkit.
type GenkitArbiter struct {
	g     *genkit.Genkit
	model string
}

// NewGenkitArbiter creates an arbiter. model may be empty to use the
// genkit default.
func NewGenkitArbiter(g *genkit.Genkit, model string) (*GenkitArbiter, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	return &GenkitArbiter{g: g, model: model}, nil
}

// CheckContradiction reports whether candidate contradicts existing.
func (a *GenkitArbiter) CheckContradiction(ctx context.Context, existing, candidate string) (bool, error) {
	nonce, err := generateNonce()
	if err != nil {
		return false, fmt.Errorf("generating nonce: %w", err)
	}

	prompt := fmt.Sprintf(contradictionPrompt,
		nonce, sanitizeDelimiters(existing), nonce,
		nonce, sanitizeDelimiters(candidate), nonce)

	opts := []ai.GenerateOption{ai.WithPrompt(prompt)}
	if a.model != "" {
		opts = append(opts, ai.WithModelName(a.model))
	}

	resp, err := genkit.Generate(ctx, a.g, opts...)
	if err != nil {
		return false, fmt.Errorf("generating contradiction verdict: %w", err)
	}

	v, err := parseVerdict(resp.Text())
	if err != nil {
		return false, err
	}
	return v.Contradicts, nil
}

// parseVerdict extracts the JSON verdict from raw LLM output.
func parseVerdict(raw string) (*verdict, error) {
	if len(raw) > maxVerdictBytes {
		return nil, fmt.Errorf("verdict response too large: %d bytes", len(raw))
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty verdict response")
	}
	text = stripCodeFences(text)

	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("parsing verdict: %w (raw: %q)", err, truncate(text, 200))
	}
	return &v, nil
}

// delimiterRe matches sequences of 3+ consecutive '=' characters, which
// could resemble the nonce-based ===EXISTING_xxx=== prompt boundaries.
var delimiterRe = regexp.MustCompile(`={3,}`)

// sanitizeDelimiters replaces runs of 3+ '=' with '--' so stored content
// cannot mimic prompt delimiter boundaries. The nonce provides primary
// protection; this is a second layer.
func sanitizeDelimiters(s string) string {
	return delimiterRe.ReplaceAllString(s, "--")
}

// stripCodeFences removes ```json ... ``` wrapping from LLM output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// truncate shortens s to at most n bytes for logging.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// generateNonce returns a random 16-byte hex string for prompt delimiters.
func generateNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
