package notifications

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// ConnectMQTT dials the broker with exponential-backoff retries. The returned
// client auto-reconnects after transient broker outages.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Str("broker", broker).Msg("Failed to connect to MQTT broker, retrying")
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(bo, 4))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.Info().Str("broker", broker).Str("client_id", clientID).Msg("Connected to MQTT broker")
	return client, nil
}

// MQTTPublisher mirrors notifications onto an MQTT topic so dashboards and
// home-automation integrations can subscribe to controller events.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
}

func NewMQTTPublisher(client mqtt.Client, topicPrefix string) *MQTTPublisher {
	if topicPrefix == "" {
		topicPrefix = "sprinkler"
	}
	return &MQTTPublisher{client: client, prefix: topicPrefix}
}

func (p *MQTTPublisher) Send(title, message string) error {
	payload, err := json.Marshal(map[string]string{
		"title":   title,
		"message": message,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := p.client.Publish(p.prefix+"/events", 0, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish event: %w", token.Error())
	}

	log.Debug().Str("title", title).Str("topic", p.prefix+"/events").Msg("Event published")
	return nil
}

// Close disconnects the underlying client, letting in-flight messages drain.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
