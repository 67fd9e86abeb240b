package eventbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"echocog/domain/core/valueobjects"
	"echocog/domain/events"
	pkgerrors "echocog/pkg/errors"
)

type fakeClient struct {
	inputs []*eventbridge.PutEventsInput
	output *eventbridge.PutEventsOutput
	err    error
}

func (c *fakeClient) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	c.inputs = append(c.inputs, in)
	if c.err != nil {
		return nil, c.err
	}
	if c.output != nil {
		return c.output, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestForwarder_Publish(t *testing.T) {
	client := &fakeClient{}
	f := NewForwarder(client, "echocog-bus", zap.NewNop())

	src, tgt := valueobjects.NewMemoryID(), valueobjects.NewMemoryID()
	e := events.NewConnectEvent("tab-1", src, tgt, 2, 3)
	require.NoError(t, f.Publish(context.Background(), e))

	require.Len(t, client.inputs, 1)
	entry := client.inputs[0].Entries[0]
	assert.Equal(t, "echocog-bus", aws.ToString(entry.EventBusName))
	assert.Equal(t, Source, aws.ToString(entry.Source))
	assert.Equal(t, "memory.connect", aws.ToString(entry.DetailType))
	assert.Equal(t, []string{"echocog:memory/" + src.String(), "echocog:memory/" + tgt.String()}, entry.Resources)

	decoded, err := events.DecodeSyncEvent([]byte(aws.ToString(entry.Detail)))
	require.NoError(t, err)
	assert.Equal(t, e.EventID, decoded.EventID)
}

func TestForwarder_SkipsControlEvents(t *testing.T) {
	client := &fakeClient{}
	f := NewForwarder(client, "echocog-bus", zap.NewNop())

	require.NoError(t, f.Publish(context.Background(), events.NewHeartbeatEvent("tab-1")))
	require.NoError(t, f.Publish(context.Background(), events.NewLeaveEvent("tab-1")))
	assert.Empty(t, client.inputs)
}

func TestForwarder_Failures(t *testing.T) {
	e := events.NewRemoveEvent("tab-1", valueobjects.NewMemoryID())

	t.Run("client error", func(t *testing.T) {
		f := NewForwarder(&fakeClient{err: errors.New("throttled")}, "bus", zap.NewNop())
		assert.True(t, pkgerrors.IsTransmission(f.Publish(context.Background(), e)))
	})

	t.Run("rejected entry", func(t *testing.T) {
		client := &fakeClient{output: &eventbridge.PutEventsOutput{
			FailedEntryCount: 1,
			Entries: []types.PutEventsResultEntry{{
				ErrorCode:    aws.String("InternalFailure"),
				ErrorMessage: aws.String("try again"),
			}},
		}}
		f := NewForwarder(client, "bus", zap.NewNop())
		assert.True(t, pkgerrors.IsTransmission(f.Publish(context.Background(), e)))
	})
}
