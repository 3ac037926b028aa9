package providers

// base carries the fields shared by adapter implementations. Each adapter is
// bound at construction to one vendor, one model, and one decrypted key.
type base struct {
	typ     Type
	model   string
	apiKey  string
	baseURL string
}

// Type returns the vendor identity of this provider.
func (b *base) Type() Type { return b.typ }

// defaultMaxTokens is applied when the caller does not cap output length.
// Anthropic and Bedrock require an explicit max_tokens value.
const defaultMaxTokens = 1024

func resolveMaxTokens(req Request) int {
	if req.MaxTokens != nil {
		return *req.MaxTokens
	}
	return defaultMaxTokens
}
