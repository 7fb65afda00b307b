// Package telemetry mirrors ingest progress to an MQTT topic so other tools
// can follow a long-running raster without attaching to the dashboard.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rastertail/ingest"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

const (
	defaultTopic       = "rastertail/progress"
	defaultMinInterval = time.Second
	publishTimeout     = 2 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures the MQTT sink.
type Options struct {
	Broker   string // host:port
	ClientID string
	Topic    string
	QoS      byte
	Retain   bool
	// MinInterval throttles progress messages; status changes bypass it.
	MinInterval time.Duration
}

// Payload is the JSON document published for each update.
type Payload struct {
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Palette   string    `json:"palette"`
	Epoch     uint64    `json:"epoch"`
	Filled    int       `json:"filled"`
	Total     int       `json:"total"`
	Row       int       `json:"row"`
	Height    int       `json:"height"`
	Progress  float64   `json:"progress"`
	Samples   uint64    `json:"samples"`
	Malformed uint64    `json:"malformed"`
	Saves     uint64    `json:"saves"`
	At        time.Time `json:"at"`
}

// Encode renders an update as the published JSON payload.
func Encode(u ingest.Update) ([]byte, error) {
	return json.Marshal(Payload{
		Source:    u.Source,
		Status:    string(u.Status),
		Palette:   u.Palette.String(),
		Epoch:     u.Epoch,
		Filled:    u.Filled,
		Total:     u.Total,
		Row:       u.Row,
		Height:    u.Height,
		Progress:  u.Progress,
		Samples:   u.Stats.Samples,
		Malformed: u.Stats.Malformed,
		Saves:     u.Stats.Saves,
		At:        u.At.UTC(),
	})
}

type sendFunc func(topic string, payload []byte) error

// Sink is an ingest.Sink that forwards the newest update to MQTT from its own
// goroutine. Publish only stores the update and never waits on the network.
type Sink struct {
	opts   Options
	client mqtt.Client
	send   sendFunc

	pending atomic.Pointer[ingest.Update]
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	// worker-only state
	lastSent   time.Time
	lastStatus ingest.Status

	published atomic.Uint64
	failures  atomic.Uint64
	connected atomic.Bool
}

func sanitizeOptions(opts Options) Options {
	opts.Topic = strings.TrimSpace(opts.Topic)
	if opts.Topic == "" {
		opts.Topic = defaultTopic
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = defaultMinInterval
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	if strings.TrimSpace(opts.ClientID) == "" {
		opts.ClientID = fmt.Sprintf("rastertail-%d", time.Now().Unix())
	}
	return opts
}

// Purpose: Connect to the broker and start the publishing worker.
// Key aspects: Paho auto-reconnect; the initial connect is bounded by ctx.
// Upstream: main wiring when mqtt.enabled is set.
// Downstream: mqtt.NewClient, worker goroutine.
func Connect(ctx context.Context, opts Options) (*Sink, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, errors.New("telemetry: broker is empty")
	}
	opts = sanitizeOptions(opts)
	s := newSink(opts, nil)

	clientOpts := mqtt.NewClientOptions()
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetKeepAlive(60 * time.Second)
	clientOpts.SetPingTimeout(10 * time.Second)
	clientOpts.SetConnectTimeout(10 * time.Second)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetMaxReconnectInterval(time.Minute)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		s.connected.Store(true)
		log.Printf("Telemetry: connected to %s, publishing on %s", broker, opts.Topic)
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.connected.Store(false)
		log.Printf("Telemetry: connection lost: %v", err)
	})
	s.client = mqtt.NewClient(clientOpts)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("telemetry: connect %s: %w", broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: connect %s: %w", broker, err)
	}
	s.send = s.mqttSend
	go s.run()
	return s, nil
}

func newSink(opts Options, send sendFunc) *Sink {
	return &Sink{
		opts: opts,
		send: send,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *Sink) mqttSend(topic string, payload []byte) error {
	token := s.client.Publish(topic, s.opts.QoS, s.opts.Retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Publish implements ingest.Sink.
func (s *Sink) Publish(u ingest.Update) {
	s.pending.Store(&u)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sink) run() {
	defer close(s.done)
	interval := s.opts.MinInterval
	if interval <= 0 {
		interval = defaultMinInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.flush(time.Now(), true)
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.flush(time.Now(), false)
	}
}

// flush sends the pending update if the throttle allows it. It reports
// whether a message went out.
func (s *Sink) flush(now time.Time, force bool) bool {
	u := s.pending.Load()
	if u == nil {
		return false
	}
	statusChanged := u.Status != s.lastStatus
	if !force && !statusChanged && !s.lastSent.IsZero() && now.Sub(s.lastSent) < s.opts.MinInterval {
		return false
	}
	if !s.pending.CompareAndSwap(u, nil) {
		// A newer update arrived; the wake signal brings the worker back.
		return false
	}
	payload, err := Encode(*u)
	if err != nil {
		s.failures.Add(1)
		log.Printf("Telemetry: encode failed: %v", err)
		return false
	}
	s.lastSent = now
	s.lastStatus = u.Status
	if err := s.send(s.opts.Topic, payload); err != nil {
		if n := s.failures.Add(1); n == 1 || statusChanged {
			log.Printf("Telemetry: publish failed: %v", err)
		}
		return false
	}
	s.published.Add(1)
	return true
}

// Published returns how many messages were delivered to the client.
func (s *Sink) Published() uint64 { return s.published.Load() }

// Failures returns how many messages could not be encoded or sent.
func (s *Sink) Failures() uint64 { return s.failures.Load() }

// IsConnected reports the broker connection state.
func (s *Sink) IsConnected() bool {
	return s.connected.Load()
}

// Close flushes the last pending update and disconnects.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		if s.client != nil && s.client.IsConnected() {
			s.client.Disconnect(250)
		}
		log.Println("Telemetry: stopped")
	})
}
