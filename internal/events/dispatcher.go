package events

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

/*
LEARNING: CHANGE EVENTS OVER KAFKA

Other services (search indexing, AI summaries, activity feeds) want to know
when a document changed, but they must never slow down typing. Rooms only
enqueue into a bounded local queue; a few workers drain it and send to Kafka
with limited retries. When the queue is full the event is dropped.
*/

// Event types
const (
	TypeDocumentUpdated = "document.updated"
	TypeDocumentSaved   = "document.saved"
	TypeRoomOpened      = "room.opened"
	TypeRoomClosed      = "room.closed"
)

// ErrQueueFull is returned when an event is dropped
var ErrQueueFull = errors.New("event queue full")

// DocumentEvent is published for every notable change of a document
type DocumentEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	SessionID  string    `json:"sessionId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Operations int       `json:"operations,omitempty"`
	Size       int       `json:"size,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher accepts events without blocking
type Publisher interface {
	Publish(evt DocumentEvent) error
}

// NopPublisher discards events. Used when Kafka is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(DocumentEvent) error { return nil }

// DispatcherOptions controls queueing and retries
type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Dispatcher sends events to Kafka from a bounded queue
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan DocumentEvent

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sleep       func(time.Duration)

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(producer sarama.SyncProducer, topic string, opt DispatcherOptions) *Dispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocumentEvent, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		sleep:       time.Sleep,
	}

	d.Start()
	return d
}

// NewSyncProducer connects a producer that waits for the local broker ack
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// Start launches the workers
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Publish enqueues an event. It never blocks; a full queue drops the event.
func (d *Dispatcher) Publish(evt DocumentEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueFull
	}

	select {
	case d.queue <- evt:
		return nil
	default:
		log.Printf("⚠️  Event queue full, dropping %s for document %s", evt.Type, evt.DocumentID)
		return ErrQueueFull
	}
}

// Close stops accepting events, drains the queue and closes the producer
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		d.wg.Wait()
		if d.producer != nil {
			err = d.producer.Close()
		}
	})
	return err
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt DocumentEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("⚠️  Kafka send failed, dropping event %s type=%s doc=%s worker=%d: %v",
				evt.ID, evt.Type, evt.DocumentID, workerID, err)
			return
		}

		// double the wait each time
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		d.sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt DocumentEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
