package registry

import (
	"testing"
)

// BenchmarkToolNameNormalisation compares normalising on every lookup
// against a precomputed map, for the spellings DISABLED_TOOLS accepts.
func BenchmarkToolNameNormalisation(b *testing.B) {
	toolNames := []string{
		"convert_pdf",
		"convert-pdf",
		"CONVERT_PDF",
		"Convert-PDF",
	}

	b.Run("Normalise", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			for _, name := range toolNames {
				_ = normaliseToolName(name)
			}
		}
	})

	preNormalised := make(map[string]string, len(toolNames))
	for _, name := range toolNames {
		preNormalised[name] = normaliseToolName(name)
	}

	b.Run("PreNormalised", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			for _, name := range toolNames {
				_ = preNormalised[name]
			}
		}
	})
}

func BenchmarkIsToolDisabled(b *testing.B) {
	disabledTools = map[string]bool{"convert-pdf": true}
	defer func() { disabledTools = make(map[string]bool) }()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = IsToolDisabled("convert_pdf")
	}
}
