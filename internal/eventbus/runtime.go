package eventbus

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"revflow/internal/model"
	"revflow/internal/policy"
	"revflow/internal/store"
)

type MessageHandler func(context.Context, model.OutboxMessage) error

// Runtime delivers session events through a SQLite outbox: Publish enqueues
// inside the caller's transaction boundary, ProcessOnce drains. Delivery goes
// to a registered in-process handler when one exists, otherwise out to the
// configured redis stream.
type Runtime struct {
	store     *store.SQLiteStore
	cfg       policy.Config
	mu        sync.RWMutex
	running   bool
	handlers  map[string]MessageHandler
	publisher message.Publisher
}

func NewRuntime(sqliteStore *store.SQLiteStore, cfg policy.Config) *Runtime {
	return &Runtime{
		store:    sqliteStore,
		cfg:      cfg,
		handlers: make(map[string]MessageHandler),
	}
}

func newMessageID() string {
	return "rmsg-" + ulid.MustNew(ulid.Timestamp(time.Now()), crand.Reader).String()
}

// Start opens the redis publisher when a stream URL is configured. Without
// one the runtime still works for in-process handlers.
func (r *Runtime) Start(ctx context.Context) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if url := strings.TrimSpace(r.cfg.Bus.Redis.URL); url != "" {
		options, err := redis.ParseURL(url)
		if err != nil {
			return errors.Wrap(err, "parse bus redis url")
		}
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     redis.NewClient(options),
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, watermill.NopLogger{})
		if err != nil {
			return errors.Wrap(err, "create redis stream publisher")
		}
		r.publisher = publisher
	}
	r.running = true
	return nil
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher != nil {
		_ = r.publisher.Close()
		r.publisher = nil
	}
	r.running = false
}

func (r *Runtime) Healthy() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return errors.New("event bus runtime not started")
	}
	return nil
}

func (r *Runtime) RegisterHandler(topic string, handler MessageHandler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("event bus topic is required")
	}
	if handler == nil {
		return errors.New("event bus handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = handler
	return nil
}

// Publish enqueues one message. Delivery happens on the next ProcessOnce, so
// a crash between state change and drain can never lose the event.
func (r *Runtime) Publish(topic string, messageKey string, payload any) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", errors.New("event bus publish topic is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal event payload")
	}
	messageID := newMessageID()
	if err := r.store.EnqueueOutbox(model.OutboxMessage{
		MessageID:   messageID,
		Topic:       topic,
		MessageKey:  strings.TrimSpace(messageKey),
		PayloadJSON: string(encoded),
		Status:      model.OutboxStatusPending,
	}); err != nil {
		return "", err
	}
	return messageID, nil
}

func (r *Runtime) deliver(msg model.OutboxMessage, publisher message.Publisher) error {
	wm := message.NewMessage(msg.MessageID, []byte(msg.PayloadJSON))
	wm.Metadata.Set("message_key", msg.MessageKey)
	return publisher.Publish(msg.Topic, wm)
}

// ProcessOnce claims up to limit pending messages and delivers them.
// Failures are recorded per message; the batch keeps going.
func (r *Runtime) ProcessOnce(ctx context.Context, limit int) (int, error) {
	if err := r.Healthy(); err != nil {
		return 0, err
	}
	batch, err := r.store.ClaimOutboxPending(limit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	r.mu.RLock()
	handlers := make(map[string]MessageHandler, len(r.handlers))
	for k, v := range r.handlers {
		handlers[k] = v
	}
	publisher := r.publisher
	r.mu.RUnlock()

	for _, msg := range batch {
		handler := handlers[msg.Topic]
		switch {
		case handler != nil:
			if err := handler(ctx, msg); err != nil {
				_ = r.store.MarkOutboxFailed(msg.MessageID, err.Error())
				continue
			}
		case publisher != nil:
			if err := r.deliver(msg, publisher); err != nil {
				_ = r.store.MarkOutboxFailed(msg.MessageID, err.Error())
				continue
			}
		default:
			_ = r.store.MarkOutboxFailed(msg.MessageID, "no handler or stream for topic "+msg.Topic)
			continue
		}
		if err := r.store.MarkOutboxSent(msg.MessageID); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}
