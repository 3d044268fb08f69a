// Package notify is the outbound alert boundary. The pipeline treats
// dispatch as fire-and-forget: a dead Slack webhook must never fail a
// job. Breaking news goes to the Telegram channel, everything else to
// Slack, and both degrade to the log when unconfigured.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Severity routes a message to its channel set.
type Severity string

// Severity constants
const (
	SeverityBreaking Severity = "breaking" // urgent newsroom alert
	SeverityQuality  Severity = "quality"  // published-content quality findings
	SeverityOps      Severity = "ops"      // pipeline operational problems
)

// Message is one outbound alert.
type Message struct {
	Severity Severity
	Title    string
	Body     string
	Fields   map[string]string // optional key/value context lines
}

// Notifier delivers a message over one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

const dispatchTimeout = 10 * time.Second

// Dispatcher fans a message out to the notifiers registered for its
// severity. Dispatch never blocks the caller and never returns an error.
type Dispatcher struct {
	routes map[Severity][]Notifier
	log    *zap.Logger
}

// NewDispatcher builds an empty dispatcher. Register channels with Route.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		routes: make(map[Severity][]Notifier),
		log:    log.Named("notify"),
	}
}

// Route binds a notifier to one or more severities.
func (d *Dispatcher) Route(n Notifier, severities ...Severity) {
	for _, s := range severities {
		d.routes[s] = append(d.routes[s], n)
	}
}

// Dispatch sends msg to every notifier on its severity route in the
// background. Failures are logged and dropped.
func (d *Dispatcher) Dispatch(msg Message) {
	targets := d.routes[msg.Severity]
	if len(targets) == 0 {
		d.log.Info("notification (no channel configured)",
			zap.String("severity", string(msg.Severity)),
			zap.String("title", msg.Title))
		return
	}
	for _, n := range targets {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			if err := n.Send(ctx, msg); err != nil {
				d.log.Warn("notification dispatch failed",
					zap.String("channel", n.Name()),
					zap.String("severity", string(msg.Severity)),
					zap.String("title", msg.Title),
					zap.Error(err))
				return
			}
			d.log.Debug("notification sent",
				zap.String("channel", n.Name()),
				zap.String("title", msg.Title))
		}(n)
	}
}

// renderText formats a message as a plain-text block usable by any
// channel.
func renderText(msg Message) string {
	var b strings.Builder
	b.WriteString(msg.Title)
	if msg.Body != "" {
		b.WriteString("\n")
		b.WriteString(msg.Body)
	}
	for k, v := range msg.Fields {
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}
	return b.String()
}
