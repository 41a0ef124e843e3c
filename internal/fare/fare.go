package fare

import "github.com/example/order-dispatch/internal/models"

// Rate is the per-service pricing used for the estimate shown to a
// notified driver. Real billing happens downstream in order
// management; this only has to be in the right ballpark.
type Rate struct {
	Base  float64
	PerKm float64
}

var defaultRates = map[models.ServiceType]Rate{
	models.ServiceRide:   {Base: 2.50, PerKm: 1.20},
	models.ServiceFood:   {Base: 1.50, PerKm: 0.80},
	models.ServiceParcel: {Base: 3.00, PerKm: 1.00},
}

// Estimate returns the estimated fare for a trip of tripKm under the
// given service type.
func Estimate(svc models.ServiceType, tripKm float64) float64 {
	r, ok := defaultRates[svc]
	if !ok {
		r = defaultRates[models.ServiceRide]
	}
	if tripKm < 0 {
		tripKm = 0
	}
	return r.Base + r.PerKm*tripKm
}
