package providers

import "fmt"

// Factory builds Provider instances from tenant configuration plus the
// decrypted credential. BaseURLs optionally overrides vendor endpoints,
// which tests use to point adapters at local fake servers.
type Factory struct {
	BaseURLs map[Type]string
}

// New returns a Provider for the given tenant configuration. For Bedrock the
// credential carries the AWS region; the AWS credential chain does the rest.
func (f *Factory) New(cfg TenantProvider, credential string) (Provider, error) {
	baseURL := ""
	if f != nil && f.BaseURLs != nil {
		baseURL = f.BaseURLs[cfg.Type]
	}
	switch cfg.Type {
	case TypeOpenAI:
		return NewOpenAI(credential, cfg.Model, baseURL), nil
	case TypeAnthropic:
		return NewAnthropic(credential, cfg.Model, baseURL), nil
	case TypeGoogle:
		return NewGemini(credential, cfg.Model, baseURL), nil
	case TypeBedrock:
		return NewBedrock(credential, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}
