package migrations

import (
	"os"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"

	"queue-server/config"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("rides")
		collection.Fields.Add(
			&core.NumberField{Name: "ride_id", Required: true, OnlyInt: true, Min: types.Pointer(1.0)},
			&core.NumberField{Name: "riding_time_seconds", Required: true, OnlyInt: true, Min: types.Pointer(1.0)},
			&core.NumberField{Name: "capacity_total", Required: true, OnlyInt: true, Min: types.Pointer(1.0)},
			&core.NumberField{Name: "capacity_premium", OnlyInt: true, Min: types.Pointer(0.0)},
			&core.NumberField{Name: "capacity_general", OnlyInt: true, Min: types.Pointer(0.0)},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		collection.AddIndex("idx_rides_ride_id", true, "ride_id", "")

		if err := app.Save(collection); err != nil {
			return err
		}

		seeds, err := config.LoadRideSeeds(os.Getenv("RIDES_FILE"))
		if err != nil {
			return err
		}
		for _, meta := range config.Metas(seeds) {
			record := core.NewRecord(collection)
			record.Set("ride_id", meta.RideID)
			record.Set("riding_time_seconds", meta.RidingTimeSeconds)
			record.Set("capacity_total", meta.CapacityTotal)
			record.Set("capacity_premium", meta.CapacityPremium)
			record.Set("capacity_general", meta.CapacityGeneral)
			if err := app.Save(record); err != nil {
				return err
			}
		}
		return nil
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("rides")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
