package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want Variant
	}{
		{
			name: "gemini-2.5-pro",
			want: Variant{Name: "gemini-2.5-pro", BaseModel: "gemini-2.5-pro"},
		},
		{
			name: "假流式/gemini-2.5-pro",
			want: Variant{Name: "假流式/gemini-2.5-pro", BaseModel: "gemini-2.5-pro", PseudoStream: true},
		},
		{
			name: "流式抗截断/gemini-2.5-flash",
			want: Variant{Name: "流式抗截断/gemini-2.5-flash", BaseModel: "gemini-2.5-flash", AntiTruncation: true},
		},
		{
			name: "gemini-2.5-pro-search",
			want: Variant{Name: "gemini-2.5-pro-search", BaseModel: "gemini-2.5-pro", Search: true},
		},
		{
			name: "gemini-2.5-pro-maxthinking",
			want: Variant{Name: "gemini-2.5-pro-maxthinking", BaseModel: "gemini-2.5-pro", MaxThinking: true},
		},
		{
			name: "假流式/gemini-2.5-flash-nothinking",
			want: Variant{Name: "假流式/gemini-2.5-flash-nothinking", BaseModel: "gemini-2.5-flash", PseudoStream: true, NoThinking: true},
		},
		{
			name: "流式抗截断/gemini-2.5-pro-preview-06-05-search",
			want: Variant{Name: "流式抗截断/gemini-2.5-pro-preview-06-05-search", BaseModel: "gemini-2.5-pro-preview-06-05", AntiTruncation: true, Search: true},
		},
		{
			name: "gemini-2.5-flash-假流式",
			want: Variant{Name: "gemini-2.5-flash-假流式", BaseModel: "gemini-2.5-flash", PseudoStream: true},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Parse(tt.name))
		})
	}
}

func TestParseStripsOneSuffix(t *testing.T) {
	t.Parallel()

	// Stacked suffixes are not catalog names. Both features are still
	// detected, but only the trailing suffix comes off the base name.
	v := Parse("gemini-2.5-pro-nothinking-search")
	require.True(t, v.NoThinking)
	require.True(t, v.Search)
	require.Equal(t, "gemini-2.5-pro-nothinking", v.BaseModel)
}

func TestThinkingBudget(t *testing.T) {
	t.Parallel()

	require.Equal(t, -1, Parse("gemini-2.5-pro").ThinkingBudget())
	require.Equal(t, 128, Parse("gemini-2.5-pro-nothinking").ThinkingBudget())
	require.Equal(t, 32768, Parse("gemini-2.5-flash-maxthinking").ThinkingBudget())
}

func TestIncludeThoughts(t *testing.T) {
	t.Parallel()

	require.True(t, Parse("gemini-2.5-flash").IncludeThoughts())
	require.True(t, Parse("gemini-2.5-flash-maxthinking").IncludeThoughts())
	require.True(t, Parse("gemini-2.5-pro-nothinking").IncludeThoughts())
	require.False(t, Parse("gemini-2.5-flash-nothinking").IncludeThoughts())
}

func TestStripFeaturePrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, "gemini-2.5-pro-search", StripFeaturePrefix("假流式/gemini-2.5-pro-search"))
	require.Equal(t, "gemini-2.5-pro", StripFeaturePrefix("流式抗截断/gemini-2.5-pro"))
	require.Equal(t, "gemini-2.5-pro", StripFeaturePrefix("gemini-2.5-pro"))
}
