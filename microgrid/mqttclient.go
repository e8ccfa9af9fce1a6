package microgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTConfig configures the MQTT device client connection.
type MQTTConfig struct {
	Broker   string // host or host:port
	ClientID string
	Username string
	Password string
}

// batteryPayload is the wire format of battery telemetry. Metrics the device
// has not measured yet are omitted and decode to NaN.
type batteryPayload struct {
	Timestamp          time.Time `json:"timestamp"`
	SoC                *float64  `json:"soc"`
	SoCLowerBound      *float64  `json:"soc_lower_bound"`
	SoCUpperBound      *float64  `json:"soc_upper_bound"`
	Capacity           *float64  `json:"capacity"`
	PowerInclusionLow  *float64  `json:"power_inclusion_lower_bound"`
	PowerExclusionLow  *float64  `json:"power_exclusion_lower_bound"`
	PowerExclusionHigh *float64  `json:"power_exclusion_upper_bound"`
	PowerInclusionHigh *float64  `json:"power_inclusion_upper_bound"`
}

// inverterPayload is the wire format of inverter telemetry.
type inverterPayload struct {
	Timestamp           time.Time `json:"timestamp"`
	ActiveInclusionLow  *float64  `json:"active_power_inclusion_lower_bound"`
	ActiveExclusionLow  *float64  `json:"active_power_exclusion_lower_bound"`
	ActiveExclusionHigh *float64  `json:"active_power_exclusion_upper_bound"`
	ActiveInclusionHigh *float64  `json:"active_power_inclusion_upper_bound"`
}

// powerCommand is published to an inverter's power/set topic.
type powerCommand struct {
	Seq   uint64  `json:"seq"`
	Watts float64 `json:"watts"`
}

// powerAck is the inverter's reply on its power/ack topic.
type powerAck struct {
	Seq    uint64 `json:"seq"`
	Status string `json:"status"` // "ok", "out_of_range", anything else is an error
	Detail string `json:"detail,omitempty"`
}

func nanOr(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// decodeBatteryTelemetry parses a battery telemetry payload.
func decodeBatteryTelemetry(payload []byte) (BatteryTelemetry, error) {
	var p batteryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return BatteryTelemetry{}, fmt.Errorf("decoding battery telemetry: %w", err)
	}
	return BatteryTelemetry{
		Timestamp:     p.Timestamp,
		SoC:           nanOr(p.SoC),
		SoCLowerBound: nanOr(p.SoCLowerBound),
		SoCUpperBound: nanOr(p.SoCUpperBound),
		Capacity:      nanOr(p.Capacity),
		PowerBounds: PowerBounds{
			InclusionLower: nanOr(p.PowerInclusionLow),
			ExclusionLower: nanOr(p.PowerExclusionLow),
			ExclusionUpper: nanOr(p.PowerExclusionHigh),
			InclusionUpper: nanOr(p.PowerInclusionHigh),
		},
	}, nil
}

// decodeInverterTelemetry parses an inverter telemetry payload.
func decodeInverterTelemetry(payload []byte) (InverterTelemetry, error) {
	var p inverterPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return InverterTelemetry{}, fmt.Errorf("decoding inverter telemetry: %w", err)
	}
	return InverterTelemetry{
		Timestamp: p.Timestamp,
		ActivePowerBounds: PowerBounds{
			InclusionLower: nanOr(p.ActiveInclusionLow),
			ExclusionLower: nanOr(p.ActiveExclusionLow),
			ExclusionUpper: nanOr(p.ActiveExclusionHigh),
			InclusionUpper: nanOr(p.ActiveInclusionHigh),
		},
	}, nil
}

// MQTTClient is a DeviceClient speaking JSON over MQTT.
//
// Telemetry is published by the devices on
// microgrid/battery/<id>/telemetry and microgrid/inverter/<id>/telemetry.
// Power setpoints are published to microgrid/inverter/<id>/power/set and the
// device replies on microgrid/inverter/<id>/power/ack with the matching
// sequence number.
type MQTTClient struct {
	client mqtt.Client

	seq uint64

	mu      sync.Mutex
	pending map[uint64]chan powerAck // per in-flight SetPower, keyed by seq
	acked   map[InverterID]bool      // ack topics already subscribed
}

// NewMQTTClient connects to the broker and returns a ready client.
func NewMQTTClient(cfg MQTTConfig) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	return &MQTTClient{
		client:  client,
		pending: make(map[uint64]chan powerAck),
		acked:   make(map[InverterID]bool),
	}, nil
}

// Close disconnects from the broker.
func (c *MQTTClient) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// BatteryData subscribes to the battery's telemetry topic and streams decoded
// samples until ctx is done.
func (c *MQTTClient) BatteryData(ctx context.Context, battery BatteryID) (<-chan BatteryTelemetry, error) {
	topic := fmt.Sprintf("microgrid/battery/%d/telemetry", battery)
	out := make(chan BatteryTelemetry, 1)

	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		sample, err := decodeBatteryTelemetry(msg.Payload())
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed battery telemetry")
			return
		}
		select {
		case out <- sample:
		case <-ctx.Done():
		default:
			// Slot-style semantics downstream; dropping under pressure is fine.
		}
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}

	go func() {
		<-ctx.Done()
		c.client.Unsubscribe(topic)
		close(out)
	}()

	return out, nil
}

// InverterData subscribes to the inverter's telemetry topic and streams
// decoded samples until ctx is done.
func (c *MQTTClient) InverterData(ctx context.Context, inverter InverterID) (<-chan InverterTelemetry, error) {
	topic := fmt.Sprintf("microgrid/inverter/%d/telemetry", inverter)
	out := make(chan InverterTelemetry, 1)

	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		sample, err := decodeInverterTelemetry(msg.Payload())
		if err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed inverter telemetry")
			return
		}
		select {
		case out <- sample:
		case <-ctx.Done():
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}

	go func() {
		<-ctx.Done()
		c.client.Unsubscribe(topic)
		close(out)
	}()

	return out, nil
}

// SensorReading is one value from a plain sensor topic.
type SensorReading struct {
	Timestamp time.Time
	Value     float64
}

// SensorData subscribes to an arbitrary sensor topic whose payload is a
// plain number and streams readings until ctx is done. Non-numeric payloads
// (a sensor dropping out) are skipped.
func (c *MQTTClient) SensorData(ctx context.Context, topic string) (<-chan SensorReading, error) {
	out := make(chan SensorReading, 16)

	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		value, err := strconv.ParseFloat(string(msg.Payload()), 64)
		if err != nil {
			return
		}
		select {
		case out <- SensorReading{Timestamp: time.Now(), Value: value}:
		case <-ctx.Done():
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}

	go func() {
		<-ctx.Done()
		c.client.Unsubscribe(topic)
		close(out)
	}()

	return out, nil
}

// PublishValue publishes a plain numeric payload to the given topic.
func (c *MQTTClient) PublishValue(topic string, value float64) error {
	token := c.client.Publish(topic, 0, false, strconv.FormatFloat(value, 'f', -1, 64))
	if !token.WaitTimeout(time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return fmt.Errorf("publishing to %s: %w", topic, token.Error())
		}
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	return nil
}

// ensureAckSubscription subscribes to the inverter's ack topic once and
// routes acks to the matching in-flight SetPower call.
func (c *MQTTClient) ensureAckSubscription(inverter InverterID) error {
	c.mu.Lock()
	already := c.acked[inverter]
	c.acked[inverter] = true
	c.mu.Unlock()
	if already {
		return nil
	}

	topic := fmt.Sprintf("microgrid/inverter/%d/power/ack", inverter)
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var ack powerAck
		if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed power ack")
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[ack.Seq]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- ack:
			default:
			}
		}
	})
	if token.Wait() && token.Error() != nil {
		c.mu.Lock()
		delete(c.acked, inverter)
		c.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetPower publishes a power setpoint and waits for the device ack within the
// context deadline. An "out_of_range" ack maps to CodeOutOfRange; any other
// non-ok ack maps to CodeInternal.
func (c *MQTTClient) SetPower(ctx context.Context, inverter InverterID, watts float64) error {
	if err := c.ensureAckSubscription(inverter); err != nil {
		return &RPCError{Code: CodeUnavailable, Detail: err.Error()}
	}

	seq := atomic.AddUint64(&c.seq, 1)
	ackCh := make(chan powerAck, 1)

	c.mu.Lock()
	c.pending[seq] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(powerCommand{Seq: seq, Watts: watts})
	if err != nil {
		return &RPCError{Code: CodeInternal, Detail: err.Error()}
	}

	topic := fmt.Sprintf("microgrid/inverter/%d/power/set", inverter)
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(time.Second) || token.Error() != nil {
		detail := "publish timed out"
		if token.Error() != nil {
			detail = token.Error().Error()
		}
		return &RPCError{Code: CodeUnavailable, Detail: detail}
	}

	select {
	case ack := <-ackCh:
		switch ack.Status {
		case "ok":
			return nil
		case "out_of_range":
			return &RPCError{Code: CodeOutOfRange, Detail: ack.Detail}
		default:
			return &RPCError{Code: CodeInternal, Detail: ack.Detail}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
