package config

import (
	_ "embed"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"queue-server/models"
)

//go:embed rides.yaml
var defaultRides []byte

const DefaultPopularity = 2

// RideSeed is one row of the startup ride table.
type RideSeed struct {
	models.RideMeta `yaml:",inline"`
	Popularity      int `yaml:"popularity"`
}

type rideTable struct {
	Rides []RideSeed `yaml:"rides"`
}

// LoadRideSeeds reads path, or the embedded table when path is empty.
func LoadRideSeeds(path string) ([]RideSeed, error) {
	raw := defaultRides
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read rides file %s", path)
		}
		raw = b
	}
	return ParseRideSeeds(raw)
}

func ParseRideSeeds(raw []byte) ([]RideSeed, error) {
	var table rideTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, errors.Wrap(err, "parse ride table")
	}
	seen := make(map[int64]bool, len(table.Rides))
	for i := range table.Rides {
		r := &table.Rides[i]
		if r.RideID <= 0 {
			return nil, errors.Errorf("ride table entry %d: ride_id must be positive", i)
		}
		if seen[r.RideID] {
			return nil, errors.Errorf("ride table: duplicate ride_id %d", r.RideID)
		}
		seen[r.RideID] = true
		if r.Popularity == 0 {
			r.Popularity = DefaultPopularity
		}
	}
	return table.Rides, nil
}

// Metas strips the seed-only fields.
func Metas(seeds []RideSeed) []models.RideMeta {
	out := make([]models.RideMeta, len(seeds))
	for i, s := range seeds {
		out[i] = s.RideMeta
	}
	return out
}

// Popularity maps ride id to popularity for the mock generator.
func Popularity(seeds []RideSeed) map[int64]int {
	out := make(map[int64]int, len(seeds))
	for _, s := range seeds {
		out[s.RideID] = s.Popularity
	}
	return out
}
