package models

// RideMeta is the per-ride configuration stored under ride:meta:{id}.
type RideMeta struct {
	RideID            int64 `json:"rideId" yaml:"ride_id" db:"ride_id"`
	RidingTimeSeconds int64 `json:"ridingTimeSeconds" yaml:"riding_time_seconds" db:"riding_time_seconds"`
	CapacityTotal     int64 `json:"capacityTotal" yaml:"capacity_total" db:"capacity_total"`
	CapacityPremium   int64 `json:"capacityPremium" yaml:"capacity_premium" db:"capacity_premium"`
	CapacityGeneral   int64 `json:"capacityGeneral" yaml:"capacity_general" db:"capacity_general"`
}

// Capacity returns the per-cycle admission quota for a class.
func (m RideMeta) Capacity(c Class) int64 {
	if c == ClassPremium {
		return m.CapacityPremium
	}
	return m.CapacityGeneral
}

// EstimateWaitMinutes converts the number of people ahead into minutes.
// A user boards after floor(ahead/capacityTotal) full cycles; any partial
// minute rounds up and anything under a minute reports as 1.
func EstimateWaitMinutes(ahead, capacityTotal, cycleSeconds int64) int64 {
	if ahead <= 0 || capacityTotal <= 0 {
		return 0
	}
	seconds := (ahead / capacityTotal) * cycleSeconds
	switch {
	case seconds <= 0:
		return 0
	case seconds < 60:
		return 1
	default:
		return (seconds + 59) / 60
	}
}
