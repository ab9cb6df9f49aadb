// Package mqttclient is the broker intake: packets published on
// calls/<call_id>/packets flow into the same ingestion path as HTTP
// submissions.
package mqttclient

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/ingest"
)

const ingestTimeout = 10 * time.Second

// Ingester accepts one packet. *ingest.Coordinator implements it.
type Ingester interface {
	IngestPacket(ctx context.Context, callID string, sequence int, data string, timestamp float64) (*ingest.Ack, error)
}

type Client struct {
	conn      mqtt.Client
	topic     string
	ingester  Ingester
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string
	Ingester  Ingester
	Log       zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topic:    opts.Topic,
		ingester: opts.Ingester,
		log:      opts.Log.With().Str("component", "mqtt").Logger(),
	}
	if c.topic == "" {
		c.topic = "calls/+/packets"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic", c.topic).Msg("mqtt connected, subscribing")

	token := client.Subscribe(c.topic, 0, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// packetPayload mirrors the HTTP ingestion body.
type packetPayload struct {
	Sequence  *int     `json:"sequence"`
	Data      string   `json:"data"`
	Timestamp *float64 `json:"timestamp"`
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	callID, ok := CallIDFromTopic(msg.Topic())
	if !ok {
		c.log.Warn().Str("topic", msg.Topic()).Msg("unroutable topic, dropping message")
		return
	}

	var p packetPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		c.log.Warn().Err(err).Str("call_id", callID).Msg("malformed packet payload, dropping")
		return
	}
	if p.Sequence == nil || *p.Sequence < 0 || p.Data == "" || p.Timestamp == nil || *p.Timestamp <= 0 {
		c.log.Warn().Str("call_id", callID).Msg("invalid packet fields, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	if _, err := c.ingester.IngestPacket(ctx, callID, *p.Sequence, p.Data, *p.Timestamp); err != nil {
		// No way to nack over MQTT at QoS 0; the publisher retries.
		c.log.Error().Err(err).Str("call_id", callID).Msg("broker packet ingestion failed")
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

// CallIDFromTopic extracts the call ID from a calls/<id>/packets topic.
func CallIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "calls" || parts[2] != "packets" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
