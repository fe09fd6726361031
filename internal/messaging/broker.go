package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/si12/internal/logging"
)

var (
	ErrNotInitialized = errors.New("mqtt client not initialized")
	// ErrConnectPending is returned by Connect when the first attempt timed
	// out and the client keeps retrying in the background.
	ErrConnectPending = errors.New("mqtt connect pending")
)

type BrokerConfig struct {
	BrokerURL        string
	ClientName       string
	TopicPrefix      string // e.g. "si12/bench-1"
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	// ConnectRetry keeps retrying the first connect in the background.
	ConnectRetry bool

	// Retained last-will, published by the broker if the bridge drops.
	WillTopic   string
	WillPayload []byte
}

type MsgBroker struct {
	config         BrokerConfig
	client         mqtt.Client
	mu             sync.RWMutex
	subs           map[string]MessageHandler
	onConnectFuncs map[string]OnConnectPublisher
}

type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      any
}

type OnConnectPublisher func() (PublishRequest, error)

func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	return &MsgBroker{
		config:         cfg,
		subs:           make(map[string]MessageHandler),
		onConnectFuncs: make(map[string]OnConnectPublisher),
	}
}

func (b *MsgBroker) Topic(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if b.config.TopicPrefix != "" {
		all = append(all, strings.TrimSuffix(b.config.TopicPrefix, "/"))
	}
	all = append(all, parts...)
	return strings.Join(all, "/")
}

func (b *MsgBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		b.client = mqtt.NewClient(b.optionsFromConfig())
	}
	if b.client.IsConnected() {
		return nil
	}

	timeout := b.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := waitToken(ctx, b.client.Connect()); err != nil {
		if b.config.ConnectRetry && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("mqtt connect %s: %w", b.config.BrokerURL, ErrConnectPending)
		}
		b.client.Disconnect(250)
		return fmt.Errorf("mqtt connect %s: %w", b.config.BrokerURL, err)
	}
	logging.Info("mqtt connected", "broker", b.config.BrokerURL, "client", b.config.ClientName)
	return nil
}

func (b *MsgBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	opts.SetClientID("si12-" + b.config.ClientName)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if b.config.ConnectRetry {
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(5 * time.Second)
	}
	if b.config.WillTopic != "" {
		opts.SetBinaryWill(b.config.WillTopic, b.config.WillPayload, byte(AtLeastOnce), true)
	}
	opts.OnConnect = func(c mqtt.Client) {
		b.resubscribe()
		b.onConnectPublisher()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warn("mqtt connection lost", "client", b.config.ClientName, "error", err)
	}
	return opts
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnectFuncs[id] = fn
}

func (b *MsgBroker) RemoveOnConnectPublisher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onConnectFuncs, id)
}

func (b *MsgBroker) onConnectPublisher() {
	b.mu.RLock()
	funcsCopy := make(map[string]OnConnectPublisher, len(b.onConnectFuncs))
	for k, v := range b.onConnectFuncs {
		funcsCopy[k] = v
	}
	b.mu.RUnlock()

	for id, fn := range funcsCopy {
		req, err := fn()
		if err != nil {
			logging.Error("onConnect publisher failed", "client", b.config.ClientName, "id", id, "error", err)
			continue
		}
		ctx := req.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var pubErr error
		if req.PayloadBytes == nil {
			pubErr = b.PublishJSON(ctx, req.Topic, req.Qos, req.Retain, req.Payload)
		} else {
			pubErr = b.Publish(ctx, req.Topic, req.Qos, req.Retain, req.PayloadBytes)
		}
		if pubErr != nil {
			logging.Error("onConnect publish failed", "client", b.config.ClientName, "id", id, "topic", req.Topic, "error", pubErr)
		}
	}
}

// resubscribe restores subscriptions after an automatic reconnect with a
// clean session.
func (b *MsgBroker) resubscribe() {
	b.mu.RLock()
	subs := make(map[string]MessageHandler, len(b.subs))
	for k, v := range b.subs {
		subs[k] = v
	}
	b.mu.RUnlock()

	for topic, h := range subs {
		b.client.Subscribe(topic, byte(AtLeastOnce), b.wrapHandler(context.Background(), h))
	}
}

func (b *MsgBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

func (b *MsgBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		// 250 ms quiesce period
		b.client.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return ErrNotInitialized
	}
	token := b.client.Publish(topic, byte(qos), retain, payload)
	ctx, cancel := withDefaultTimeout(ctx, b.config.PublishTimeout)
	defer cancel()
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

// Subscribe registers handler and waits for SUBACK. While the client is
// offline the subscription is only recorded and made on the next connect.
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	if b.client == nil {
		return nil, ErrNotInitialized
	}
	b.mu.Lock()
	b.subs[topic] = handler
	b.mu.Unlock()
	sub := &msgSubscription{broker: b, topic: topic}

	if !b.client.IsConnected() {
		logging.Debug("subscription deferred until connected", "client", b.config.ClientName, "topic", topic)
		return sub, nil
	}
	token := b.client.Subscribe(topic, byte(qos), b.wrapHandler(ctx, handler))

	waitCtx, cancel := withDefaultTimeout(ctx, b.config.SubscribeTimeout)
	defer cancel()
	if err := waitToken(waitCtx, token); err != nil {
		b.mu.Lock()
		delete(b.subs, topic)
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// wrapHandler runs handler on its own goroutine and logs panics.
func (b *MsgBroker) wrapHandler(ctx context.Context, handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("mqtt handler panic", "client", b.config.ClientName, "topic", msg.Topic(), "err", r)
				}
			}()
			handler(ctx, msg.Topic(), msg.Payload())
		}()
	}
}

type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.topic)
	b.mu.Unlock()

	ctx, cancel := withDefaultTimeout(ctx, 3*time.Second)
	defer cancel()
	return waitToken(ctx, b.client.Unsubscribe(s.topic))
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
