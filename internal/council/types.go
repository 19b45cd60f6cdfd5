package council

import "strings"

// ModelResponse is one council member's independent answer (stage 1).
type ModelResponse struct {
	ModelID   string `json:"model_id"`
	ModelName string `json:"model_name"`
	Response  string `json:"response"`
}

type Ranking struct {
	Rank       int    `json:"rank"`
	ResponseID string `json:"response_id"`
	Reasoning  string `json:"reasoning"`
}

// Review is one model's ranking of its peers' answers (stage 2).
type Review struct {
	ReviewerModel string    `json:"reviewer_model"`
	Rankings      []Ranking `json:"rankings"`
}

// FinalAnswer is the chairman's synthesis (stage 3).
type FinalAnswer struct {
	ChairmanModel string `json:"chairman_model"`
	Content       string `json:"content"`
}

// Result is the full three-stage payload returned by POST /query.
type Result struct {
	Query                 string          `json:"query,omitempty"`
	Stage1Responses       []ModelResponse `json:"stage_1_responses"`
	Stage2Reviews         []Review        `json:"stage_2_reviews"`
	Stage3Final           *FinalAnswer    `json:"stage_3_final"`
	ProcessingTimeSeconds float64         `json:"processing_time"`
}

// FinalContent returns the chairman's text, or "" for a result without a synthesis.
func (r *Result) FinalContent() string {
	if r == nil || r.Stage3Final == nil {
		return ""
	}
	return r.Stage3Final.Content
}

type Health struct {
	Status           string `json:"status,omitempty"`
	ModelsConfigured int    `json:"models_configured"`
	TokenConfigured  bool   `json:"hf_token_set"`
}

// ShortModelName trims a router model path like "meta-llama/Llama-3.3-70B-Instruct:groq"
// down to "Llama-3.3-70B-Instruct".
func ShortModelName(name string) string {
	trimmed := strings.TrimSpace(name)
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return strings.TrimSpace(name)
	}
	return trimmed
}
