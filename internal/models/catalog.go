package models

// BaseModels lists the Code Assist models the gateway serves, in
// advertisement order.
var BaseModels = []string{
	"gemini-2.5-pro-preview-06-05",
	"gemini-2.5-pro",
	"gemini-2.5-pro-preview-05-06",
	"gemini-2.5-flash",
	"gemini-2.5-flash-thinking",
}

// variantsPerBase is the catalog fan-out: the base itself, its two
// streaming-mode spellings, and the same three spellings for each of the
// three feature suffixes.
const variantsPerBase = 3 * (1 + 3)

// Catalog returns every model name the gateway advertises. For each base
// model it emits the plain name, the pseudo-stream and anti-truncation
// spellings, then the same trio for every feature suffix.
func Catalog() []string {
	names := make([]string, 0, len(BaseModels)*variantsPerBase)
	for _, base := range BaseModels {
		names = append(names, base)
		names = append(names, PseudoStreamPrefix+base)
		names = append(names, AntiTruncationPrefix+base)
		for _, suffix := range variantSuffixes {
			names = append(names, base+suffix)
			names = append(names, PseudoStreamPrefix+base+suffix)
			names = append(names, AntiTruncationPrefix+base+suffix)
		}
	}
	return names
}
