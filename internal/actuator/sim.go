package actuator

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// Sim logs pin transitions instead of touching hardware. Used for running
// the controller on machines without GPIO, and as the driver in tests.
type Sim struct {
	mu     sync.Mutex
	active map[int]bool
}

func NewSim() *Sim {
	return &Sim{active: make(map[int]bool)}
}

func (*Sim) Name() string { return "sim" }

func (s *Sim) Energize(pin model.GPIOPin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[pin.Number] = true
	log.Info().Int("pin", pin.Number).Msg("[sim] pin energized")
	return nil
}

func (s *Sim) Deenergize(pin model.GPIOPin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[pin.Number] = false
	log.Info().Int("pin", pin.Number).Msg("[sim] pin de-energized")
	return nil
}

// Active reports whether a pin is currently energized in the simulation.
func (s *Sim) Active(pin int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[pin]
}
