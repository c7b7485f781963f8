package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/callgist/callgist/pkg/provider/llm"
)

// ErrMalformedResponse indicates the model reply carried no usable JSON
// object. Callers receive the fallback record alongside it.
var ErrMalformedResponse = errors.New("insight: malformed model response")

// maxTranscriptRunes caps how much transcript is sent to the model. Long
// calls are truncated from the end; the opening of a call carries the
// intent and the marker tells the model content is missing.
const maxTranscriptRunes = 12000

const truncationMarker = "...[truncated]"

const systemPrompt = `You are an expert call center quality analyst. ` +
	`You read customer service call transcripts and produce structured JSON insights. ` +
	`Respond with a single JSON object and nothing else.`

const userPromptTemplate = `Analyze the following customer service call transcript and respond with a JSON object containing exactly these fields:

- "summary": list of 2-4 short bullet strings summarizing the call
- "sentiment": one of "positive", "neutral", "negative"
- "category": one of "billing", "technical", "bundles", "complaints", "general_inquiry", "other"
- "action_items": list of concrete follow-up actions for the agent or team
- "customer_requests": list of what the customer asked for
- "resolution_status": one of "resolved", "pending", "escalated"
- "priority": one of "high", "medium", "low"
- "tags": list of short topic keywords
- "agent_performance": one sentence assessing the agent
- "follow_up_required": boolean

Transcript:
%s`

// Extractor turns redacted transcripts into insight Records.
type Extractor struct {
	provider llm.Provider
	log      *slog.Logger
}

// NewExtractor creates an Extractor backed by the given LLM provider.
// logger may be nil, in which case slog.Default is used.
func NewExtractor(provider llm.Provider, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{provider: provider, log: logger}
}

// Extract asks the model for a structured insight over transcript and
// coerces the reply into a fully populated Record.
//
// Extract never fails: any model error, malformed reply, or missing field
// degrades to defaults (the complete fallback record in the worst case).
// The returned error is informational only and is non-nil when the
// fallback was used; the Record is valid either way.
func (e *Extractor) Extract(ctx context.Context, transcript string) (Record, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(userPromptTemplate, truncateRunes(transcript))},
		},
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		e.log.Warn("insight extraction failed, using fallback", "error", err)
		return FallbackRecord(), fmt.Errorf("insight: complete: %w", err)
	}
	if resp == nil || resp.Content == "" {
		e.log.Warn("insight extraction returned empty content, using fallback")
		return FallbackRecord(), fmt.Errorf("insight: empty completion")
	}

	raw, ok := extractJSONObject(resp.Content)
	if !ok {
		e.log.Warn("no JSON object in model reply, using fallback")
		return FallbackRecord(), fmt.Errorf("no JSON object in reply: %w", ErrMalformedResponse)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		e.log.Warn("model reply is not valid JSON, using fallback", "error", err)
		return FallbackRecord(), fmt.Errorf("unmarshal reply (%v): %w", err, ErrMalformedResponse)
	}

	return coerceRecord(fields), nil
}

// truncateRunes shortens t to maxTranscriptRunes runes, appending a marker
// when anything was cut.
func truncateRunes(t string) string {
	runes := []rune(t)
	if len(runes) <= maxTranscriptRunes {
		return t
	}
	return string(runes[:maxTranscriptRunes]) + truncationMarker
}

// extractJSONObject returns the substring between the first '{' and the
// last '}' in s. Models frequently wrap JSON in markdown fences or
// preamble text; the outermost brace pair strips both.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// coerceRecord maps loosely typed model output onto a Record, substituting
// defaults field by field.
func coerceRecord(fields map[string]any) Record {
	fb := FallbackRecord()
	return Record{
		Summary:          coerceStringList(fields["summary"], fb.Summary),
		Sentiment:        coerceSentiment(fields["sentiment"]),
		Category:         coerceCategory(fields["category"]),
		ActionItems:      coerceStringList(fields["action_items"], fb.ActionItems),
		CustomerRequests: coerceStringList(fields["customer_requests"], fb.CustomerRequests),
		ResolutionStatus: coerceResolution(fields["resolution_status"]),
		Priority:         coercePriority(fields["priority"]),
		Tags:             coerceStringList(fields["tags"], fb.Tags),
		AgentPerformance: coerceString(fields["agent_performance"], fb.AgentPerformance),
		FollowUpRequired: coerceBool(fields["follow_up_required"]),
	}
}

// coerceStringList accepts a JSON list of values (stringified one by one)
// or a single scalar, which is wrapped into a one-element list. Anything
// else yields def.
func coerceStringList(v any, def []string) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if s := stringify(el); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return def
		}
		return out
	case nil:
		return def
	default:
		if s := stringify(t); s != "" {
			return []string{s}
		}
		return def
	}
}

func coerceString(v any, def string) string {
	if s := stringify(v); s != "" {
		return s
	}
	return def
}

func coerceBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func coerceSentiment(v any) Sentiment {
	s := Sentiment(strings.ToLower(stringify(v)))
	if s.IsValid() {
		return s
	}
	return SentimentNeutral
}

func coerceCategory(v any) Category {
	c := Category(strings.ToLower(stringify(v)))
	if c.IsValid() {
		return c
	}
	return CategoryOther
}

func coerceResolution(v any) Resolution {
	r := Resolution(strings.ToLower(stringify(v)))
	if r.IsValid() {
		return r
	}
	return ResolutionPending
}

func coercePriority(v any) Priority {
	p := Priority(strings.ToLower(stringify(v)))
	if p.IsValid() {
		return p
	}
	return PriorityMedium
}

// stringify renders scalar JSON values as trimmed strings. Maps, lists and
// nil render as empty.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return ""
	}
}
