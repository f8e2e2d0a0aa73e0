package actuator

import (
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
	"github.com/thatsimonsguy/sprinkler-controller/internal/pinctrl"
)

// Pinctrl drives relays through the local GPIO header using the pinctrl
// binary. Pins are configured as outputs with no pull; the drive level
// depends on the relay board's active polarity.
type Pinctrl struct{}

func NewPinctrl() *Pinctrl { return &Pinctrl{} }

func (*Pinctrl) Name() string { return "pinctrl" }

func (*Pinctrl) Energize(pin model.GPIOPin) error {
	return set(pin, "energize", pin.ActiveHigh)
}

func (*Pinctrl) Deenergize(pin model.GPIOPin) error {
	return set(pin, "deenergize", !pin.ActiveHigh)
}

func set(pin model.GPIOPin, op string, high bool) error {
	drive := "dl"
	if high {
		drive = "dh"
	}
	if err := pinctrl.SetPin(pin.Number, "op", "pn", drive); err != nil {
		return &Error{Op: op, Pin: pin.Number, Err: err}
	}
	log.Debug().Int("pin", pin.Number).Str("op", op).Msg("Pin set")
	return nil
}
