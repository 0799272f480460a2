package provider

import "strings"

// pricing is USD per million tokens
type pricing struct {
	input, output float64
}

func (p pricing) cost(in, out int) float64 {
	return float64(in)*p.input/1_000_000 + float64(out)*p.output/1_000_000
}

var (
	claudePricing = pricing{input: 3.0, output: 15.0}
	geminiPricing = pricing{input: 0.35, output: 1.05}
	localPricing  = pricing{}
)

// openAIPricing is approximate and varies by model
func openAIPricing(model string) pricing {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-4o"):
		return pricing{input: 2.5, output: 10.0}
	case strings.Contains(m, "gpt-4"):
		return pricing{input: 30.0, output: 60.0}
	default:
		return pricing{input: 0.5, output: 1.5}
	}
}
