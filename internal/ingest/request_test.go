package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/gateway"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	target string
	key    string
	event  gateway.Event
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []call
	n     int
	err   error
}

func (b *recordingBroadcaster) record(target, key string, ev gateway.Event) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{target: target, key: key, event: ev})
	return b.n, b.err
}

func (b *recordingBroadcaster) Broadcast(ev gateway.Event) (int, error) {
	return b.record(gateway.TargetAll, "", ev)
}

func (b *recordingBroadcaster) BroadcastToUser(userID string, ev gateway.Event) (int, error) {
	return b.record(gateway.TargetUser, userID, ev)
}

func (b *recordingBroadcaster) BroadcastToChannel(channel string, ev gateway.Event) (int, error) {
	return b.record(gateway.TargetChannel, channel, ev)
}

func (b *recordingBroadcaster) BroadcastToTenant(tenantID string, ev gateway.Event) (int, error) {
	return b.record(gateway.TargetTenant, tenantID, ev)
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"all", `{"target":"all","type":"maintenance"}`, false},
		{"user", `{"target":"user","user_id":"u1","type":"alert","data":{"x":1}}`, false},
		{"channel", `{"target":"channel","channel":"tenant:T1:tasks","type":"task_updated"}`, false},
		{"tenant", `{"target":"tenant","tenant_id":"T1","type":"notice"}`, false},
		{"user without id", `{"target":"user","type":"alert"}`, true},
		{"channel without name", `{"target":"channel","type":"x"}`, true},
		{"tenant without id", `{"target":"tenant","type":"x"}`, true},
		{"unknown target", `{"target":"everyone","type":"x"}`, true},
		{"missing type", `{"target":"all"}`, true},
		{"not json", `nope`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDispatchRoutesByTarget(t *testing.T) {
	b := &recordingBroadcaster{n: 2}
	d := NewDispatcher(b, 0, zerolog.Nop())
	ctx := context.Background()

	bodies := []string{
		`{"target":"all","type":"maintenance"}`,
		`{"target":"user","user_id":"u1","type":"alert","data":{"severity":"high"}}`,
		`{"target":"channel","channel":"tenant:T1:tasks","type":"task_updated"}`,
		`{"target":"tenant","tenant_id":"T1","type":"notice"}`,
	}
	for _, body := range bodies {
		n, err := d.Dispatch(ctx, "test", []byte(body))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	require.Len(t, b.calls, 4)
	assert.Equal(t, call{target: gateway.TargetAll, event: gateway.Event{Type: "maintenance"}}, b.calls[0])
	assert.Equal(t, gateway.TargetUser, b.calls[1].target)
	assert.Equal(t, "u1", b.calls[1].key)
	assert.JSONEq(t, `{"severity":"high"}`, string(b.calls[1].event.Payload))
	assert.Equal(t, call{target: gateway.TargetChannel, key: "tenant:T1:tasks", event: gateway.Event{Type: "task_updated"}}, b.calls[2])
	assert.Equal(t, call{target: gateway.TargetTenant, key: "T1", event: gateway.Event{Type: "notice"}}, b.calls[3])
}

func TestDispatchInvalidRequestIsNotDelivered(t *testing.T) {
	b := &recordingBroadcaster{}
	d := NewDispatcher(b, 0, zerolog.Nop())

	_, err := d.Dispatch(context.Background(), "test", []byte(`{"target":"user","type":"alert"}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, b.calls)
}

func TestDispatchPropagatesBroadcastError(t *testing.T) {
	boom := errors.New("boom")
	b := &recordingBroadcaster{err: boom}
	d := NewDispatcher(b, 0, zerolog.Nop())

	_, err := d.Dispatch(context.Background(), "test", []byte(`{"target":"all","type":"x","data":[1,2]}`))
	assert.ErrorIs(t, err, boom)
}

func TestDispatchIsRateLimited(t *testing.T) {
	b := &recordingBroadcaster{}
	d := NewDispatcher(b, 1, zerolog.Nop())

	_, err := d.Dispatch(context.Background(), "test", []byte(`{"target":"all","type":"x"}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Dispatch(ctx, "test", []byte(`{"target":"all","type":"x"}`))
	assert.Error(t, err, "second request has to wait about a second")
	assert.Len(t, b.calls, 1)
}

func TestDispatchIntoRegistry(t *testing.T) {
	registry := gateway.NewRegistry(nil, nil, gateway.Options{Logger: zerolog.Nop()})
	d := NewDispatcher(registry, 0, zerolog.Nop())

	n, err := d.Dispatch(context.Background(), "test", []byte(`{"target":"user","user_id":"offline","type":"alert"}`))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSourceConfigValidation(t *testing.T) {
	d := NewDispatcher(&recordingBroadcaster{}, 0, zerolog.Nop())

	_, err := NewKafkaSource(KafkaConfig{ConsumerGroup: "g", Topics: []string{"t"}}, d)
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, Topics: []string{"t"}}, d)
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g"}, d)
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, ConsumerGroup: "g", Topics: []string{"t"}}, nil)
	assert.Error(t, err)

	_, err = NewNATSSource(NATSConfig{Subject: "s"}, d)
	assert.Error(t, err)
	_, err = NewNATSSource(NATSConfig{URL: "nats://localhost:4222"}, d)
	assert.Error(t, err)

	src, err := NewNATSSource(NATSConfig{URL: "nats://localhost:4222", Subject: "gateway.broadcast.>"}, d)
	require.NoError(t, err)
	assert.Equal(t, -1, src.config.MaxReconnects)
	src.Stop()
}
