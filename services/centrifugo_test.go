package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunneldl/api/config"
	"github.com/tunneldl/api/internal/events"
)

type recorded struct {
	channel string
	event   events.Event
}

type recorder struct {
	mu   sync.Mutex
	got  []recorded
	hold chan struct{}
}

func (r *recorder) publish(ctx context.Context, channel string, data []byte) error {
	if r.hold != nil {
		<-r.hold
	}
	var e events.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	r.mu.Lock()
	r.got = append(r.got, recorded{channel: channel, event: e})
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, g := range r.got {
		out = append(out, g.event.Type)
	}
	return out
}

func newTestRelay(rec *recorder) *CentrifugoRelay {
	return &CentrifugoRelay{publish: rec.publish, channel: DownloadsChannel, tokenSecret: "secret", tokenTTL: time.Hour}
}

func TestInitCentrifugo_DisabledWithoutURL(t *testing.T) {
	assert.Nil(t, InitCentrifugo(&config.Config{}))
	assert.NotNil(t, InitCentrifugo(&config.Config{CentrifugoURL: "http://centrifugo:8000", CentrifugoAPIKey: "k"}))
}

func TestRelay_RepublishesEvents(t *testing.T) {
	rec := &recorder{}
	relay := newTestRelay(rec)
	b := events.NewBroadcaster(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, b) }()
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(events.Event{Type: events.TypeDownloadQueued, Data: map[string]string{"id": "a"}})
	b.Publish(events.Event{Type: events.TypeDownloadStarted, Data: map[string]string{"id": "a"}})

	require.Eventually(t, func() bool { return len(rec.types()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.TypeDownloadQueued, events.TypeDownloadStarted}, rec.types())
	assert.Equal(t, DownloadsChannel, rec.got[0].channel)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, b.Count())
}

func TestRelay_ResubscribesAfterDrop(t *testing.T) {
	rec := &recorder{hold: make(chan struct{})}
	relay := newTestRelay(rec)
	b := events.NewBroadcaster(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx, b)
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	// The first event blocks in publish; the next two overflow the buffer.
	b.Publish(events.Event{Type: events.TypeDownloadProgress, Data: 1})
	require.Eventually(t, func() bool {
		b.Publish(events.Event{Type: events.TypeDownloadProgress, Data: 2})
		return b.Count() == 0
	}, time.Second, time.Millisecond)

	close(rec.hold)
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(events.Event{Type: events.TypeVPNStatus, Data: "connected"})
	require.Eventually(t, func() bool {
		types := rec.types()
		return len(types) > 0 && types[len(types)-1] == events.TypeVPNStatus
	}, time.Second, 5*time.Millisecond)
}

func TestGenerateClientToken(t *testing.T) {
	relay := newTestRelay(&recorder{})

	signed, expires, err := relay.GenerateClientToken("operator")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.Equal(t, "operator", claims["sub"])
	assert.Equal(t, []interface{}{DownloadsChannel}, claims["channels"])

	var disabled *CentrifugoRelay
	_, _, err = disabled.GenerateClientToken("operator")
	assert.ErrorIs(t, err, ErrRelayDisabled)
}
