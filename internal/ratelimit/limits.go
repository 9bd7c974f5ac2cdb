package ratelimit

// FeatureLimits is the per-feature budget table. Free and premium tiers
// share the reset period and differ only in volume.
type FeatureLimits struct {
	Free    int
	Premium int
	Period  Period
}

// Features lists the AI-backed features subject to usage limits.
var Features = map[string]FeatureLimits{
	"meal_ideas": {Free: 10, Premium: 100, Period: Daily},
	"upc_scans":  {Free: 5, Premium: 50, Period: Daily},
	"meal_plans": {Free: 1, Premium: 7, Period: Weekly},
}

// LimitFor resolves the limit and period for a feature at the given tier.
// ok is false for features not subject to limiting.
func LimitFor(feature string, premium bool) (limit int, period Period, ok bool) {
	fl, ok := Features[feature]
	if !ok {
		return 0, Daily, false
	}
	if premium {
		return fl.Premium, fl.Period, true
	}
	return fl.Free, fl.Period, true
}
