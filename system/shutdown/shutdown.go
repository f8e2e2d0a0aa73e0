package shutdown

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/internal/actuator"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// AllOff drives every configured zone pin to its de-energized level. Called
// on shutdown and after an emergency stop; errors are logged per pin and the
// sweep continues.
func AllOff(driver actuator.Driver, zones []model.Zone) {
	for _, zone := range zones {
		if err := driver.Deenergize(zone.Pin); err != nil {
			log.Error().Err(err).Int("zone", zone.Number).Int("pin", zone.Pin.Number).Msg("Could not de-energize pin during shutdown")
			continue
		}
	}
	log.Info().Int("zones", len(zones)).Msg("All valve pins de-energized")
}

// HardStop is the terminal failure path: close every valve and exit nonzero.
func HardStop(driver actuator.Driver, zones []model.Zone, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	AllOff(driver, zones)
	os.Exit(1)
}
