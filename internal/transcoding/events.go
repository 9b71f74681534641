package transcoding

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// VideoEvents informs the video system of what happened to its files
type VideoEvents interface {
	FileAdded(ctx context.Context, e FileAddedEvent) error
	TranscodingFailed(ctx context.Context, e FailureEvent) error
	LiveChunk(ctx context.Context, e LiveChunkEvent) error
	LiveEnded(ctx context.Context, videoUUID, sessionID string) error
	StorageMoveFailed(ctx context.Context, e FailureEvent) error
}

// FileAddedEvent announces a new rendition or an edited source file
type FileAddedEvent struct {
	VideoUUID              string `json:"videoUUID"`
	JobUUID                string `json:"jobUUID"`
	JobType                string `json:"jobType"`
	Resolution             int    `json:"resolution"`
	VideoFileKey           string `json:"videoFileKey"`
	ResolutionPlaylistKey  string `json:"resolutionPlaylistKey,omitempty"`
	ReplacesOriginalSource bool   `json:"replacesOriginalSource,omitempty"`
}

type FailureEvent struct {
	VideoUUID string `json:"videoUUID"`
	JobUUID   string `json:"jobUUID,omitempty"`
	JobType   string `json:"jobType"`
	Message   string `json:"message"`
}

type LiveChunkEvent struct {
	VideoUUID string                     `json:"videoUUID"`
	SessionID string                     `json:"sessionId"`
	Update    domain.RunnerJobLiveUpdate `json:"update"`
}

// Routing keys of the events exchange
const (
	RoutingKeyFileAdded         = "video.file-added"
	RoutingKeyTranscodingFailed = "video.transcoding-failed"
	RoutingKeyLiveChunk         = "video.live-chunk"
	RoutingKeyLiveEnded         = "video.live-ended"
	RoutingKeyStorageMoveFailed = "video.storage-move-failed"
)

// Publisher publishes a JSON message to an exchange
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, v any) error
}

type envelope struct {
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// BrokerEvents publishes video events to a topic exchange
type BrokerEvents struct {
	publisher Publisher
	exchange  string
	now       func() time.Time
}

func NewBrokerEvents(publisher Publisher, exchange string) *BrokerEvents {
	return &BrokerEvents{publisher: publisher, exchange: exchange, now: time.Now}
}

func (e *BrokerEvents) publish(ctx context.Context, routingKey string, data any) error {
	msg := envelope{Event: routingKey, OccurredAt: e.now().UTC(), Data: data}
	if err := e.publisher.PublishJSON(ctx, e.exchange, routingKey, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", routingKey, err)
	}
	return nil
}

func (e *BrokerEvents) FileAdded(ctx context.Context, ev FileAddedEvent) error {
	return e.publish(ctx, RoutingKeyFileAdded, ev)
}

func (e *BrokerEvents) TranscodingFailed(ctx context.Context, ev FailureEvent) error {
	return e.publish(ctx, RoutingKeyTranscodingFailed, ev)
}

func (e *BrokerEvents) LiveChunk(ctx context.Context, ev LiveChunkEvent) error {
	return e.publish(ctx, RoutingKeyLiveChunk, ev)
}

func (e *BrokerEvents) LiveEnded(ctx context.Context, videoUUID, sessionID string) error {
	return e.publish(ctx, RoutingKeyLiveEnded, map[string]string{"videoUUID": videoUUID, "sessionId": sessionID})
}

func (e *BrokerEvents) StorageMoveFailed(ctx context.Context, ev FailureEvent) error {
	return e.publish(ctx, RoutingKeyStorageMoveFailed, ev)
}
