package jobs

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pricing holds per-MTok USD rates for the supported models.
type Pricing struct {
	ClaudeInput  float64
	ClaudeOutput float64
	GeminiInput  float64
	GeminiOutput float64
}

// DefaultPricing is used whenever the settings table is unreadable.
func DefaultPricing() Pricing {
	return Pricing{
		ClaudeInput:  3.00,
		ClaudeOutput: 15.00,
		GeminiInput:  3.50,
		GeminiOutput: 10.50,
	}
}

// SettingsSource yields raw model_pricing.* settings.
type SettingsSource interface {
	ModelPricing(ctx context.Context) (map[string]string, error)
}

// PGSettings reads the system_settings table.
type PGSettings struct {
	Pool *pgxpool.Pool
}

func (s PGSettings) ModelPricing(ctx context.Context) (map[string]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT setting_key, setting_value FROM system_settings WHERE setting_key LIKE 'model_pricing.%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// FetchPricing loads rates with per-key fallback to defaults. A nil or
// failing source yields the defaults; accounting is advisory.
func FetchPricing(ctx context.Context, src SettingsSource) Pricing {
	p := DefaultPricing()
	if src == nil {
		return p
	}

	settings, err := src.ModelPricing(ctx)
	if err != nil {
		return p
	}

	for key, raw := range settings {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		switch key {
		case "model_pricing.claude-sonnet-4-5.input":
			p.ClaudeInput = v
		case "model_pricing.claude-sonnet-4-5.output":
			p.ClaudeOutput = v
		case "model_pricing.gemini-2.5-flash.input":
			p.GeminiInput = v
		case "model_pricing.gemini-2.5-flash.output":
			p.GeminiOutput = v
		}
	}
	return p
}

// EstimateTokens approximates usage at four characters per token.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// CalculateCost converts token counts to USD for the given model.
// Unknown models get a conservative generic rate.
func CalculateCost(model string, promptTokens, completionTokens int, p Pricing) float64 {
	var inRate, outRate float64
	switch {
	case strings.HasPrefix(model, "claude"):
		inRate, outRate = p.ClaudeInput, p.ClaudeOutput
	case strings.HasPrefix(model, "gemini"):
		inRate, outRate = p.GeminiInput, p.GeminiOutput
	default:
		inRate, outRate = 1.0, 3.0
	}
	return float64(promptTokens)/1e6*inRate + float64(completionTokens)/1e6*outRate
}
