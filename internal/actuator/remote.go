package actuator

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
)

// Remote drives relays through a pin server over HTTP. The server exposes
// POST /api/pins/{pin}/on and /api/pins/{pin}/off behind a bearer token.
// Calls go through a circuit breaker so a dead pin server fails fast instead
// of stalling every activation on a transport timeout.
type Remote struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewRemote(baseURL, token string) *Remote {
	return &Remote{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "pin-server",
			Interval: 60 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (*Remote) Name() string { return "remote" }

func (r *Remote) Energize(pin model.GPIOPin) error {
	return r.set(pin.Number, "on", "energize")
}

func (r *Remote) Deenergize(pin model.GPIOPin) error {
	return r.set(pin.Number, "off", "deenergize")
}

func (r *Remote) set(pin int, state, op string) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/api/pins/%d/%s", r.baseURL, pin, state)
		req, err := http.NewRequest(http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("pin server returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return &Error{Op: op, Pin: pin, Err: err}
	}
	return nil
}
