package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/streadway/amqp"
	"github.com/tidwall/gjson"

	"slackpush/internal/buildbot"
	"slackpush/internal/eventbus"
	logx "slackpush/pkg/logx"
)

const (
	DefaultAMQPQueue      = "buildbot.builds"
	DefaultAMQPRoutingKey = "builds.#"
	DefaultAMQPPrefetch   = 8
)

// AMQPConfig points the consumer at a RabbitMQ queue carrying build events.
type AMQPConfig struct {
	URI        string
	Exchange   string // optional; the queue is bound to it with RoutingKey
	RoutingKey string
	Queue      string
	Prefetch   int
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = DefaultAMQPQueue
	}
	if strings.TrimSpace(c.RoutingKey) == "" {
		c.RoutingKey = DefaultAMQPRoutingKey
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultAMQPPrefetch
	}
	return c
}

var errBadMessage = errors.New("bad build message")

// AMQPConsumer turns queue messages into bus events. Run is meant to be
// driven by a supervisor restart loop: it returns an error when the
// connection drops and nil when ctx ends.
type AMQPConsumer struct {
	cfg AMQPConfig
	bus eventbus.Bus
	log logx.Logger
}

func NewAMQPConsumer(cfg AMQPConfig, bus eventbus.Bus, log logx.Logger) *AMQPConsumer {
	return &AMQPConsumer{cfg: cfg.withDefaults(), bus: bus, log: log.With(logx.String("comp", "ingest.amqp"))}
}

func (c *AMQPConsumer) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	conn, ch, deliveries, err := c.connect()
	if err != nil {
		return err
	}
	defer func() {
		_ = ch.Close()
		_ = conn.Close()
	}()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("amqp consumer connected", logx.String("queue", c.cfg.Queue), logx.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("amqp consumer stopping")
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handle(d)
		}
	}
}

func (c *AMQPConsumer) connect() (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.cfg.URI)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("amqp.Dial: %w", err)
	}
	fail := func(step string, err error) (*amqp.Connection, *amqp.Channel, <-chan amqp.Delivery, error) {
		_ = conn.Close()
		return nil, nil, nil, fmt.Errorf("%s: %w", step, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail("conn.Channel", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail("ch.Qos", err)
	}
	q, err := ch.QueueDeclare(
		c.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fail("ch.QueueDeclare", err)
	}
	if ex := strings.TrimSpace(c.cfg.Exchange); ex != "" {
		if err := ch.QueueBind(q.Name, c.cfg.RoutingKey, ex, false, nil); err != nil {
			return fail("ch.QueueBind", err)
		}
	}
	deliveries, err := ch.Consume(
		q.Name,      // queue
		"slackpush", // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fail("ch.Consume", err)
	}
	return conn, ch, deliveries, nil
}

// handle publishes one delivery. Messages that can never succeed are
// dropped without requeue.
func (c *AMQPConsumer) handle(d amqp.Delivery) {
	event, raw, err := decodeMessage(d.RoutingKey, d.Body)
	if err == nil {
		var rep buildbot.Report
		if rep, err = publishBuild(c.bus, event, raw); err == nil {
			c.log.Debug("build event accepted", logx.String("key", rep.Key.String()), logx.String("routing_key", d.RoutingKey))
			if aerr := d.Ack(false); aerr != nil {
				c.log.Warn("amqp ack failed", logx.Err(aerr))
			}
			return
		}
	}
	c.log.Warn("rejected build message", logx.String("routing_key", d.RoutingKey), logx.Err(err))
	if nerr := d.Nack(false, false); nerr != nil {
		c.log.Warn("amqp nack failed", logx.Err(nerr))
	}
}

// decodeMessage accepts either an envelope {"event": "...", "build": {...}}
// or a bare build with the event taken from the routing key suffix
// ("builds.42.finished").
func decodeMessage(routingKey string, body []byte) (buildbot.EventKind, []byte, error) {
	if !gjson.ValidBytes(body) {
		return "", nil, fmt.Errorf("%w: invalid json", errBadMessage)
	}
	doc := gjson.ParseBytes(body)

	raw := body
	name := ""
	if b := doc.Get("build"); b.IsObject() {
		raw = []byte(b.Raw)
		name = doc.Get("event").String()
	}
	if name == "" {
		if i := strings.LastIndexByte(routingKey, '.'); i >= 0 {
			name = routingKey[i+1:]
		} else {
			name = routingKey
		}
	}
	kind, ok := buildbot.ParseEventKind(name)
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown event %q", errBadMessage, name)
	}
	return kind, raw, nil
}
