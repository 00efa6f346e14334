// Package classifier maps provider condition codes to precipitation categories.
package classifier

import "github.com/kjstillabower/weather-lookup-service/internal/models"

// Classify groups a condition code by its leading digit: 2xx, 3xx and 5xx are
// rain, 8xx is snow, everything else is none. Defined for every int.
func Classify(conditionCode int) models.Precipitation {
	switch conditionCode / 100 {
	case 2, 3, 5:
		return models.PrecipitationRain
	case 8:
		return models.PrecipitationSnow
	default:
		return models.PrecipitationNone
	}
}
