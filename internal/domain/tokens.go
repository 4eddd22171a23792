package domain

// TokenCountResponse represents the response from counting tokens.
type TokenCountResponse struct {
	InputTokens int    `json:"input_tokens"`
	Model       string `json:"model,omitempty"`
	// Estimated indicates whether the count is an estimate (true) or exact (false)
	Estimated bool `json:"estimated,omitempty"`
}

// TokenCounter provides token counting capabilities. The provider reports no
// token counts, so usage objects are built from these estimates.
type TokenCounter interface {
	// CountText counts the tokens of a plain string.
	CountText(text string) int

	// CountRequest counts the prompt tokens of a canonical request.
	CountRequest(req *Request) *TokenCountResponse
}
