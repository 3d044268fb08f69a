package queue

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "jobs."

// StreamName returns the JetStream stream backing a queue.
// Format: JOBS_<queue> (e.g. JOBS_ai_router).
func StreamName(queue string) string {
	return "JOBS_" + queue
}

// SubjectFor returns the NATS subject for a queue's messages.
func SubjectFor(queue string) string {
	return subjectPrefix + queue
}

// QueueForSubject is the inverse of SubjectFor.
func QueueForSubject(subject string) string {
	return strings.TrimPrefix(subject, subjectPrefix)
}

// Broker owns the JetStream streams the queues ride on. Messages carry
// only the JobRun id; the jobs table is the source of truth.
type Broker struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewBroker wires a broker over an existing NATS connection and provisions
// the streams for the given queues.
func NewBroker(nc *nats.Conn, queues []string) (*Broker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	b := &Broker{nc: nc, js: js}
	if err := b.EnsureStreams(queues); err != nil {
		return nil, err
	}
	return b, nil
}

// EnsureStreams creates the per-queue streams if they don't already exist.
// WorkQueue retention: a message is removed once its consumer acks it, so
// StreamInfo.State.Msgs is the live pending count.
func (b *Broker) EnsureStreams(queues []string) error {
	for _, q := range queues {
		name := StreamName(q)
		if _, err := b.js.StreamInfo(name); err == nil {
			continue // stream already exists
		}
		_, err := b.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{SubjectFor(q)},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
			MaxMsgs:   100000,
			MaxBytes:  100 << 20,
		})
		if err != nil {
			return fmt.Errorf("create %s stream: %w", name, err)
		}
	}
	return nil
}

// Publish puts a job id onto its queue's stream.
func (b *Broker) Publish(queue, jobID string) error {
	_, err := b.js.Publish(SubjectFor(queue), []byte(jobID))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// PendingCount reports the number of undelivered messages on a queue.
func (b *Broker) PendingCount(queue string) (int, error) {
	info, err := b.js.StreamInfo(StreamName(queue))
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", queue, err)
	}
	return int(info.State.Msgs), nil
}

// PullSubscribe opens the durable pull consumer a worker fetches from.
// Pull consumers are always manual-ack; redelivery is driven by Nak and
// the ack wait.
func (b *Broker) PullSubscribe(queue string, opts ...nats.SubOpt) (*nats.Subscription, error) {
	opts = append([]nats.SubOpt{nats.BindStream(StreamName(queue))}, opts...)
	return b.js.PullSubscribe(SubjectFor(queue), "workers_"+queue, opts...)
}
