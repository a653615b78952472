package collaboration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Fanout relays branch broadcasts between server instances over Redis
// pub/sub so watchers connected to different instances see each other's
// updates.
type Fanout struct {
	client     *redis.Client
	channel    string
	instanceID string
	log        *logrus.Entry
	ready      chan struct{}
}

type fanoutEnvelope struct {
	Instance  string          `json:"instance"`
	BranchKey string          `json:"branchKey"`
	Message   json.RawMessage `json:"message"`
}

func NewFanout(client *redis.Client, channel, instanceID string, log *logrus.Entry) *Fanout {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fanout{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		log:        log.WithField("component", "fanout"),
		ready:      make(chan struct{}),
	}
}

// Publish sends an encoded protocol message for branchKey to the other
// instances.
func (f *Fanout) Publish(ctx context.Context, branchKey string, message []byte) error {
	payload, err := json.Marshal(fanoutEnvelope{
		Instance:  f.instanceID,
		BranchKey: branchKey,
		Message:   message,
	})
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", f.channel, err)
	}
	fanoutMessages.WithLabelValues("out").Inc()
	return nil
}

// Ready is closed once Run's subscription is confirmed.
func (f *Fanout) Ready() <-chan struct{} {
	return f.ready
}

// Run hands messages published by other instances to deliver until ctx is
// done.
func (f *Fanout) Run(ctx context.Context, deliver func(branchKey string, message []byte)) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", f.channel, err)
	}
	close(f.ready)
	f.log.WithField("channel", f.channel).Info("listening for other instances")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.log.WithError(err).Warn("dropping malformed fanout message")
				continue
			}
			if env.Instance == f.instanceID {
				continue
			}
			fanoutMessages.WithLabelValues("in").Inc()
			deliver(env.BranchKey, env.Message)
		}
	}
}
