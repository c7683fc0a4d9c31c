//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ruteri/certificate-ledger/interfaces"
)

func TestKafkaPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.4", redpanda.WithAutoCreateTopics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	pub, err := NewKafkaPublisher([]string{broker}, "certificates", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer pub.Close()

	events := []interfaces.LedgerEvent{
		{Kind: interfaces.EventMinted, BlockNumber: 2, TokenID: 1, URI: "data:x"},
		{Kind: interfaces.EventRevoked, BlockNumber: 3, TokenID: 1},
	}
	require.NoError(t, pub.Publish(ctx, events))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics("certificates"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var got []Message
	for len(got) < len(events) {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			var m Message
			require.NoError(t, json.Unmarshal(r.Value, &m))
			got = append(got, m)
		})
	}
	assert.Equal(t, "minted", got[0].Kind)
	assert.Equal(t, "revoked", got[1].Kind)
	assert.Equal(t, interfaces.TokenID(1), got[1].TokenID)
}
