package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// envelope is what goes over the wire: Redis channels carry bytes, so the payload type
// travels alongside the payload to know what to decode it into.
type envelope struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"p"`
}

func encodeEnvelope(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: p.Type(), Payload: data})
}

func decodeEnvelope(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return DecodePayload(env.Type, env.Payload)
}

// RedisNotifier publishes payloads with Redis PUBLISH.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(chanName string, p Payload) error {
	data, err := encodeEnvelope(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload %v: %w", p.Type(), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return n.client.Publish(ctx, chanName, data).Err()
}

func (n *RedisNotifier) Close() error {
	return nil
}

// RedisListener receives payloads with Redis SUBSCRIBE.
type RedisListener struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	subs   []*redis.PubSub
}

func NewRedisListener(client *redis.Client) *RedisListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisListener{
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *RedisListener) Listen(chanName string, fn func(p Payload)) error {
	sub := l.client.Subscribe(l.ctx, chanName)
	// wait for the subscription to be confirmed so nothing published after Listen
	// starts is missed
	if _, err := sub.Receive(l.ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", chanName, err)
	}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	for msg := range sub.Channel() {
		p, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			logger.Warn().Err(err).Str("chan", chanName).Msg("dropping undecodable payload")
			continue
		}
		fn(p)
	}
	return nil
}

func (l *RedisListener) Close() error {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for _, sub := range l.subs {
		if cerr := sub.Close(); cerr != nil {
			err = cerr
		}
	}
	l.subs = nil
	return err
}
