// Package queue publishes human handover requests to RabbitMQ so staff
// tooling can pick them up.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"careline/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandoverMessage is the body published for each handover request.
type HandoverMessage struct {
	HandoverID    string          `json:"handover_id"`
	UserID        string          `json:"user_id"`
	SessionID     string          `json:"session_id"`
	RequestedAt   time.Time       `json:"requested_at"`
	Method        string          `json:"method"`
	Issues        json.RawMessage `json:"issues,omitempty"`
	OtherText     string          `json:"other_text,omitempty"`
	SupportOption string          `json:"support_option,omitempty"`
	LastMessage   string          `json:"last_message,omitempty"`
}

func NewHandoverMessage(req *models.HandoverRequest) HandoverMessage {
	msg := HandoverMessage{
		HandoverID:    req.HandoverID,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		RequestedAt:   req.RequestedAt,
		Method:        req.Method,
		OtherText:     req.OtherText,
		SupportOption: req.SupportOption,
		LastMessage:   req.LastMessage,
	}
	if len(req.Issues) > 0 {
		msg.Issues = json.RawMessage(req.Issues)
	}
	return msg
}

// Publisher sends handover messages to a durable queue. Unroutable or
// rejected messages dead-letter to <queue>.dlq.
type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NotifyHandover publishes req. Channels are not safe for concurrent
// publishing, so calls are serialized.
func (p *Publisher) NotifyHandover(ctx context.Context, req *models.HandoverRequest) error {
	body, err := json.Marshal(NewHandoverMessage(req))
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    req.HandoverID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
