package codec

import (
	"fmt"

	"ccproxy/internal/types"
)

// paramBounds are an upstream's documented generation parameter ranges.
// Out-of-range values fail with *InvalidParameterError; they are never
// silently clamped.
type paramBounds struct {
	tempMin, tempMax float64
	topPMin, topPMax float64
	maxTokensName    string
}

var (
	anthropicParamBounds = paramBounds{tempMin: 0, tempMax: 1, topPMin: 0, topPMax: 1, maxTokensName: "max_tokens"}
	openAIParamBounds    = paramBounds{tempMin: 0, tempMax: 2, topPMin: 0, topPMax: 1, maxTokensName: "max_tokens"}
	responsesParamBounds = paramBounds{tempMin: 0, tempMax: 2, topPMin: 0, topPMax: 1, maxTokensName: "max_output_tokens"}
)

func validateParams(p types.GenParams, b paramBounds) error {
	if p.Temperature != nil && (*p.Temperature < b.tempMin || *p.Temperature > b.tempMax) {
		return &InvalidParameterError{
			Param:  "temperature",
			Reason: fmt.Sprintf("%g is outside [%g, %g]", *p.Temperature, b.tempMin, b.tempMax),
		}
	}
	if p.TopP != nil && (*p.TopP < b.topPMin || *p.TopP > b.topPMax) {
		return &InvalidParameterError{
			Param:  "top_p",
			Reason: fmt.Sprintf("%g is outside [%g, %g]", *p.TopP, b.topPMin, b.topPMax),
		}
	}
	if p.MaxTokens != nil && *p.MaxTokens < 1 {
		return &InvalidParameterError{
			Param:  b.maxTokensName,
			Reason: fmt.Sprintf("%d is below the minimum of 1", *p.MaxTokens),
		}
	}
	return nil
}
