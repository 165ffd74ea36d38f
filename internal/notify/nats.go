package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/inaiurai/creditcore/internal/models"
)

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes JobEvents on "<prefix>.job.<state>".
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "creditcore"
	}
	return &NATSNotifier{pub: pub, prefix: prefix}
}

func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("creditcore"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func (n *NATSNotifier) JobFinished(_ context.Context, job *models.Job) error {
	ev := NewJobEvent(job)
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.pub.Publish(n.prefix+"."+ev.RoutingKey(), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}
