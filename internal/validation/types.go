package validation

// ModeCosts maps a generation mode to its price in credits. Illustrative
// pricing; the authoritative table lives with the billing team.
var ModeCosts = map[string]int64{
	"draft":    5,
	"standard": 20,
	"premium":  40,
}

// modeMaxDuration caps the requested clip length per mode, in seconds.
var modeMaxDuration = map[string]int{
	"draft":    10,
	"standard": 30,
	"premium":  60,
}

// GenerateVideoRequest is the payload for POST /v1/generations.
type GenerateVideoRequest struct {
	Prompt          string `json:"prompt" validate:"required,max=4000"`        // the crafted prompt text
	Mode            string `json:"mode" validate:"required"`                   // draft | standard | premium
	TargetModel     string `json:"targetModel,omitempty"`                      // optional upstream model pin
	SkipCache       bool   `json:"skipCache,omitempty"`                        // bypass the provider-side cache
	DurationSeconds int    `json:"durationSeconds,omitempty" validate:"min=0"` // 0 = mode default
}
