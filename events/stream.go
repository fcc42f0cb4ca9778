package events

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const StreamKey = "mq:storefront:events"

// StreamPublisher appends events to a redis stream so that other processes
// (admin dashboards, search indexers) can follow store changes.
type StreamPublisher struct {
	rdb    *redis.Client
	cb     *gobreaker.CircuitBreaker
	log    logrus.FieldLogger
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *redis.Client, log logrus.FieldLogger) *StreamPublisher {
	st := gobreaker.Settings{
		Name:        "EventStream",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}
	return &StreamPublisher{
		rdb:    rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		log:    log,
		stream: StreamKey,
		maxLen: 10000,
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		p.log.Errorf("[EventStream] failed to marshal %s payload: %v", e.Kind, err)
		return
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return p.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"kind":       string(e.Kind),
				"key":        e.Key,
				"payload":    string(payload),
				"created_at": e.At.UnixMilli(),
			},
		}).Result()
	})
	if err != nil {
		p.log.Warnf("[EventStream] failed to publish %s for %s: %v", e.Kind, e.Key, err)
	}
}
