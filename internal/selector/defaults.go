package selector

import "github.com/dealflow-labs/ai-relay/providers"

// defaultTiers groups models into rough capability bands. Tier 3 is the
// flagship band, tier 1 the economy band. Zero means unknown.
var defaultTiers = map[string]int{
	"gpt-4o":        3,
	"gpt-4-turbo":   3,
	"gpt-4o-mini":   2,
	"gpt-3.5-turbo": 1,
	"o3-mini":       2,

	"claude-3-opus-20240229":     3,
	"claude-3-5-sonnet-20241022": 3,
	"claude-3-7-sonnet-20250219": 3,
	"claude-3-5-haiku-20241022":  2,
	"claude-3-haiku-20240307":    1,

	"gemini-1.5-pro":   3,
	"gemini-2.0-flash": 2,
	"gemini-1.5-flash": 2,

	"anthropic.claude-3-5-sonnet-20241022-v2:0": 3,
	"anthropic.claude-3-haiku-20240307-v1:0":    1,
}

// defaultAffinity biases vendors toward the task categories they handle
// best. Values are small on purpose so that model tier stays dominant.
var defaultAffinity = map[providers.TaskCategory]map[providers.Type]int{
	providers.TaskChartInsight: {
		providers.TypeOpenAI:    3,
		providers.TypeGoogle:    2,
		providers.TypeAnthropic: 1,
		providers.TypeBedrock:   1,
	},
	providers.TaskCoaching: {
		providers.TypeAnthropic: 3,
		providers.TypeBedrock:   3,
		providers.TypeOpenAI:    2,
		providers.TypeGoogle:    1,
	},
	providers.TaskTextAnalysis: {
		providers.TypeAnthropic: 3,
		providers.TypeBedrock:   3,
		providers.TypeOpenAI:    2,
		providers.TypeGoogle:    2,
	},
	providers.TaskImageSuitable: {
		providers.TypeGoogle:    3,
		providers.TypeOpenAI:    3,
		providers.TypeAnthropic: 1,
		providers.TypeBedrock:   1,
	},
	providers.TaskPlanning: {
		providers.TypeOpenAI:    3,
		providers.TypeAnthropic: 3,
		providers.TypeBedrock:   2,
		providers.TypeGoogle:    2,
	},
	providers.TaskGeneral: {
		providers.TypeOpenAI:    2,
		providers.TypeAnthropic: 2,
		providers.TypeGoogle:    2,
		providers.TypeBedrock:   2,
	},
}
