// Package messaging 通过 NATS 在多个实例之间转发房间事件，
// 使连接在不同实例上的用户也能收到推送。
package messaging

import (
	"strings"
	"sync"
	"time"

	"matcha/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	subjectPrefix = "matcha.room."
	originHeader  = "Matcha-Origin"
)

// Deliverer 接收来自其他实例的房间事件，由 ws.Hub 实现。
type Deliverer interface {
	Deliver(room string, payload []byte)
}

type Config struct {
	URL           string
	Instance      string
	ReconnectWait time.Duration
	MaxReconnects int
}

// RoomRelay 发布本实例产生的房间事件，并把其他实例的事件投递给本地 hub。
type RoomRelay struct {
	conn     *nats.Conn
	instance string

	mu  sync.Mutex
	sub *nats.Subscription
}

func Connect(cfg Config) (*RoomRelay, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("matcha-"+cfg.Instance),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "messaging.Connect")
	}
	log.Info().Str("url", nc.ConnectedUrl()).Str("instance", cfg.Instance).Msg("nats connected")
	return &RoomRelay{conn: nc, instance: cfg.Instance}, nil
}

func subjectFor(room string) string { return subjectPrefix + room }

// Publish 实现 ws.Relay。
func (r *RoomRelay) Publish(room string, payload []byte) error {
	msg := nats.NewMsg(subjectFor(room))
	msg.Header.Set(originHeader, r.instance)
	msg.Data = payload
	if err := r.conn.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "messaging.Publish %s", room)
	}
	metrics.RelayMessagesTotal.WithLabelValues("out").Inc()
	return nil
}

// Start 订阅所有房间，跳过本实例自己发布的事件。
func (r *RoomRelay) Start(d Deliverer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.conn.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		if origin(msg) == r.instance {
			return
		}
		room := strings.TrimPrefix(msg.Subject, subjectPrefix)
		if room == "" {
			return
		}
		metrics.RelayMessagesTotal.WithLabelValues("in").Inc()
		d.Deliver(room, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "messaging.Start")
	}
	r.sub = sub
	return nil
}

func origin(msg *nats.Msg) string {
	if msg.Header == nil {
		return ""
	}
	return msg.Header.Get(originHeader)
}

// Close 先 drain 订阅，保证已收到的事件投递完毕。
func (r *RoomRelay) Close() {
	if err := r.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain")
	}
}
