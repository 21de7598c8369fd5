package constants

const (
	// DefaultTopK is applied to generation requests that leave topK unset.
	DefaultTopK = 64
	// MaxTopK caps client-supplied topK values.
	MaxTopK = 64
	// MaxOutputTokens caps client-supplied max token limits.
	MaxOutputTokens = 65535

	// ThinkingBudgetDefault leaves the budget to the model.
	ThinkingBudgetDefault = -1
	// ThinkingBudgetMin is the floor used by the -nothinking variants.
	ThinkingBudgetMin = 128
	// ThinkingBudgetMax is the ceiling used by the -maxthinking variants.
	ThinkingBudgetMax = 32768
)
