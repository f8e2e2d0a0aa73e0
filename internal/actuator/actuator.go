package actuator

import (
	"fmt"

	"github.com/thatsimonsguy/sprinkler-controller/internal/config"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// Driver energizes and de-energizes valve relay pins. The run controller
// never assumes whether the pins are local GPIO or a remote pin server.
// Implementations must be safe for concurrent use.
type Driver interface {
	Energize(pin model.GPIOPin) error
	Deenergize(pin model.GPIOPin) error
	Name() string
}

// Error is a hardware or transport failure from a driver, carrying the pin
// and operation for fault reporting.
type Error struct {
	Op  string
	Pin int
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("actuator %s pin %d: %v", e.Op, e.Pin, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds the driver named by the config.
func New(cfg config.ActuatorConfig) (Driver, error) {
	switch cfg.Driver {
	case "pinctrl":
		return NewPinctrl(), nil
	case "remote":
		return NewRemote(cfg.RemoteBaseURL, cfg.RemoteToken), nil
	case "sim":
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown actuator driver %q", cfg.Driver)
	}
}
