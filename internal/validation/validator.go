package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// mode must be priced, and the requested duration must fit the mode
	v.RegisterStructValidation(generateStructValidation, GenerateVideoRequest{})

	return v
}

func generateStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(GenerateVideoRequest)

	if _, ok := ModeCosts[req.Mode]; !ok {
		sl.ReportError(req.Mode, "mode", "Mode", "known_mode", req.Mode)
		return
	}

	if maxDur, ok := modeMaxDuration[req.Mode]; ok && req.DurationSeconds > maxDur {
		sl.ReportError(req.DurationSeconds, "durationSeconds", "DurationSeconds",
			"duration_within_mode", fmt.Sprintf("max %ds for mode %s", maxDur, req.Mode))
	}
}
