package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Subjects of the mapping events
const (
	SubjectAdd    = "remu.mapping.add"
	SubjectRemove = "remu.mapping.remove"
)

// Event is the payload published for every mapping change
type Event struct {
	Session   string    `json:"session"`
	Node      string    `json:"node,omitempty"`
	Ports     []int     `json:"ports,omitempty"`
	Endpoints []string  `json:"endpoints,omitempty"`
	At        time.Time `json:"at"`
}

// Conn is the part of a NATS connection the publisher needs
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATS publishes mapping events for proxies that subscribe to them
type NATS struct {
	conn Conn
	nc   *nats.Conn
	now  func() time.Time
}

// NewNATS connects to url with unlimited reconnects
func NewNATS(url string) (*NATS, error) {
	logger := log.WithField("component", "nats")
	opts := []nats.Option{
		nats.Name("remu-mapping"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATS{conn: nc, nc: nc, now: time.Now}, nil
}

// NewNATSWithConn publishes on an existing connection
func NewNATSWithConn(conn Conn) *NATS {
	return &NATS{conn: conn, now: time.Now}
}

func (n *NATS) publish(subject string, ev Event) error {
	ev.At = n.now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) AddMapping(ctx context.Context, sessionID, node string, ports []int) error {
	endpoints := make([]string, 0, len(ports))
	for _, p := range ports {
		endpoints = append(endpoints, Endpoint(sessionID, p))
	}
	return n.publish(SubjectAdd, Event{Session: sessionID, Node: node, Ports: ports, Endpoints: endpoints})
}

func (n *NATS) RemoveMapping(ctx context.Context, sessionID string) error {
	return n.publish(SubjectRemove, Event{Session: sessionID})
}

// Close drains the connection opened by NewNATS
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
		n.nc.Close()
	}
}

var _ Publisher = (*NATS)(nil)
