package trigger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"wearable-sync/internal/metrics"
	"wearable-sync/internal/provider"
)

// Invoker delivers a recompute request to a downstream function
type Invoker interface {
	Invoke(ctx context.Context, function string, userID string, body []byte) error
	Backend() string
}

// HTTPInvoker POSTs to {baseURL}/{function}, edge-function style
type HTTPInvoker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPInvoker creates an invoker for functions served under baseURL
func NewHTTPInvoker(baseURL, apiKey string, httpClient *http.Client) *HTTPInvoker {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPInvoker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (h *HTTPInvoker) Backend() string { return metrics.BackendHTTP }

func (h *HTTPInvoker) Invoke(ctx context.Context, function, _ string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+function, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return provider.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	return provider.ParseErrorResponse(resp)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// KafkaInvoker publishes each request to a topic named after the function,
// keyed by user so one user's requests stay ordered.
type KafkaInvoker struct {
	producer messageWriter
}

func NewKafkaInvoker(producer messageWriter) *KafkaInvoker {
	return &KafkaInvoker{producer: producer}
}

func (k *KafkaInvoker) Backend() string { return metrics.BackendKafka }

func (k *KafkaInvoker) Invoke(ctx context.Context, function, userID string, body []byte) error {
	msg := kafka.Message{
		Key:   []byte(userID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "function", Value: []byte(function)},
		},
	}
	if err := k.producer.WriteMessages(ctx, function, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", function, err)
	}
	return nil
}

// KafkaProducer lazily manages writers per topic.
type KafkaProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes messages to the given topic, creating a writer if necessary.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = writer
	return writer
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}

// LogInvoker only logs requests. It is used when no downstream is configured.
type LogInvoker struct {
	logger *slog.Logger
}

func NewLogInvoker() *LogInvoker {
	return &LogInvoker{logger: slog.Default().With("component", "trigger")}
}

func (l *LogInvoker) Backend() string { return metrics.BackendLog }

func (l *LogInvoker) Invoke(_ context.Context, function, userID string, body []byte) error {
	l.logger.Info("Recompute requested", "function", function, "user_id", userID, "body", string(body))
	return nil
}
