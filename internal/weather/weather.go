package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/thatsimonsguy/sprinkler-controller/internal/config"
)

// RainSignal is the chance-of-rain outlook used to decide rain delays.
// Percentages are 0-100.
type RainSignal struct {
	CurrentPercent float64
	Next12hPercent float64
	Next24hPercent float64
}

type Source interface {
	Fetch(ctx context.Context) (RainSignal, error)
}

// OpenWeatherMap reads the 3-hourly forecast endpoint. Eight entries cover
// the next 24 hours; the first four cover the next 12.
type OpenWeatherMap struct {
	baseURL string
	apiKey  string
	lat     float64
	lon     float64
	client  *http.Client
}

func NewOpenWeatherMap(cfg config.WeatherConfig) *OpenWeatherMap {
	return &OpenWeatherMap{
		baseURL: "https://api.openweathermap.org",
		apiKey:  cfg.APIKey,
		lat:     cfg.Latitude,
		lon:     cfg.Longitude,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type forecastResponse struct {
	List []struct {
		Pop float64 `json:"pop"`
	} `json:"list"`
}

func (o *OpenWeatherMap) Fetch(ctx context.Context) (RainSignal, error) {
	var signal RainSignal

	operation := func() error {
		s, err := o.fetchOnce(ctx)
		if err != nil {
			return err
		}
		signal = s
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return RainSignal{}, fmt.Errorf("fetch forecast: %w", err)
	}
	return signal, nil
}

func (o *OpenWeatherMap) fetchOnce(ctx context.Context) (RainSignal, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", o.lat))
	q.Set("lon", fmt.Sprintf("%f", o.lon))
	q.Set("appid", o.apiKey)
	q.Set("cnt", "8")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/data/2.5/forecast?"+q.Encode(), nil)
	if err != nil {
		return RainSignal{}, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return RainSignal{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RainSignal{}, fmt.Errorf("forecast request returned %d", resp.StatusCode)
	}

	var forecast forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&forecast); err != nil {
		return RainSignal{}, fmt.Errorf("decode forecast: %w", err)
	}
	if len(forecast.List) == 0 {
		return RainSignal{}, fmt.Errorf("forecast response has no entries")
	}

	var signal RainSignal
	signal.CurrentPercent = forecast.List[0].Pop * 100
	for i, entry := range forecast.List {
		pct := entry.Pop * 100
		if i < 4 && pct > signal.Next12hPercent {
			signal.Next12hPercent = pct
		}
		if pct > signal.Next24hPercent {
			signal.Next24hPercent = pct
		}
	}
	return signal, nil
}
