package eventbridge

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"echocog/application/ports"
	"echocog/domain/core/valueobjects"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

const Source = "echocog.sync"

// API is the part of the EventBridge client the forwarder uses
type API interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Forwarder mirrors sync events onto an EventBridge bus so they can be
// audited or consumed outside the process. It only publishes.
type Forwarder struct {
	client       API
	eventBusName string
	logger       *zap.Logger
}

var _ ports.EventPublisher = (*Forwarder)(nil)

func NewForwarder(client API, eventBusName string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		client:       client,
		eventBusName: eventBusName,
		logger:       logger,
	}
}

// Publish sends one event. Control events are not forwarded.
func (f *Forwarder) Publish(ctx context.Context, e events.SyncEvent) error {
	if e.Type.IsControl() {
		return nil
	}

	detail, err := e.Encode()
	if err != nil {
		return pkgerrors.NewTransmissionError("encode sync event", err)
	}

	entry := types.PutEventsRequestEntry{
		EventBusName: aws.String(f.eventBusName),
		Source:       aws.String(Source),
		DetailType:   aws.String("memory." + string(e.Type)),
		Detail:       aws.String(string(detail)),
		Time:         aws.Time(e.Timestamp),
		Resources:    resources(e),
	}

	result, err := f.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{entry},
	})
	if err != nil {
		return pkgerrors.NewTransmissionError("put events to "+f.eventBusName, err)
	}
	if result.FailedEntryCount > 0 {
		for _, r := range result.Entries {
			if r.ErrorCode != nil {
				f.logger.Error("EventBridge rejected sync event",
					zap.String("eventID", e.EventID),
					zap.String("errorCode", aws.ToString(r.ErrorCode)),
					zap.String("errorMessage", aws.ToString(r.ErrorMessage)),
				)
			}
		}
		return pkgerrors.NewTransmissionError(fmt.Sprintf("%d events rejected by %s", result.FailedEntryCount, f.eventBusName), nil)
	}

	f.logger.Debug("Sync event forwarded",
		zap.String("eventID", e.EventID),
		zap.String("eventBus", f.eventBusName),
	)
	return nil
}

func resources(e events.SyncEvent) []string {
	var out []string
	for _, id := range []valueobjects.MemoryID{e.Payload.MemoryID, e.Payload.SourceID, e.Payload.TargetID} {
		if !id.IsZero() {
			out = append(out, "echocog:memory/"+id.String())
		}
	}
	return out
}
