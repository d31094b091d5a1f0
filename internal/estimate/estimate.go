// Package estimate derives the environmental estimates from a prompt count.
package estimate

import "strconv"

const (
	// KgCO2ePerPrompt is the emissions estimate per prompt.
	KgCO2ePerPrompt = 0.0002
	// LitresPerPrompt is the water estimate per prompt.
	LitresPerPrompt = 0.5

	promptsPerKgCO2e = 5000 // 1 / KgCO2ePerPrompt
)

// Emissions returns count × 0.0002 kg CO2e, rounded once to the nearest
// float64 so that 3 prompts store as 0.0006.
func Emissions(count int) float64 {
	return float64(count) / promptsPerKgCO2e
}

// Water returns count × 0.5 litres.
func Water(count int) float64 {
	return float64(count) * LitresPerPrompt
}

// FormatEmissions renders kg CO2e with 4 decimals.
func FormatEmissions(kg float64) string {
	return strconv.FormatFloat(kg, 'f', 4, 64)
}

// FormatWater renders litres with 1 decimal.
func FormatWater(litres float64) string {
	return strconv.FormatFloat(litres, 'f', 1, 64)
}
