package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/centrifugal/gocent/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tunneldl/api/config"
	"github.com/tunneldl/api/internal/events"
)

// DownloadsChannel is the Centrifugo channel carrying every broadcaster event
const DownloadsChannel = "downloads"

const publishTimeout = 5 * time.Second

var ErrRelayDisabled = errors.New("realtime relay is not configured")

// EventSource is what the relay subscribes to
type EventSource interface {
	Subscribe() *events.Subscriber
	Unsubscribe(s *events.Subscriber)
}

type publishFunc func(ctx context.Context, channel string, data []byte) error

// CentrifugoRelay republishes broadcaster events to Centrifugo so clients can
// use a websocket instead of SSE
type CentrifugoRelay struct {
	publish     publishFunc
	channel     string
	tokenSecret string
	tokenTTL    time.Duration
}

// InitCentrifugo returns nil when CENTRIFUGO_URL is not set
func InitCentrifugo(cfg *config.Config) *CentrifugoRelay {
	if cfg.CentrifugoURL == "" {
		return nil
	}
	client := gocent.New(gocent.Config{
		Addr: cfg.CentrifugoURL + "/api",
		Key:  cfg.CentrifugoAPIKey,
	})
	log.Println("[Events] Centrifugo client initialized")

	return &CentrifugoRelay{
		publish: func(ctx context.Context, channel string, data []byte) error {
			_, err := client.Publish(ctx, channel, data)
			return err
		},
		channel:     DownloadsChannel,
		tokenSecret: cfg.CentrifugoTokenSecret,
		tokenTTL:    24 * time.Hour,
	}
}

// Run relays events until ctx is cancelled. If the relay falls behind and
// the broadcaster drops it, it subscribes again; events missed in between
// are not replayed.
func (r *CentrifugoRelay) Run(ctx context.Context, source EventSource) error {
	sub := source.Subscribe()
	defer func() { source.Unsubscribe(sub) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				log.Println("[Events] Centrifugo relay fell behind, resubscribing")
				sub = source.Subscribe()
				continue
			}
			if err := r.Publish(ctx, e); err != nil {
				log.Printf("[Events] Failed to relay %s: %v", e.Type, err)
			}
		}
	}
}

// Publish sends one event to the downloads channel
func (r *CentrifugoRelay) Publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.publish(ctx, r.channel, data)
}

// GenerateClientToken generates a JWT token for a client to connect to Centrifugo
func (r *CentrifugoRelay) GenerateClientToken(subject string) (string, time.Time, error) {
	if r == nil {
		return "", time.Time{}, ErrRelayDisabled
	}
	expires := time.Now().Add(r.tokenTTL)
	claims := jwt.MapClaims{
		"sub":      subject,
		"channels": []string{r.channel},
		"exp":      expires.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	// Must match CENTRIFUGO_TOKEN_HMAC_SECRET_KEY on the Centrifugo side
	signed, err := token.SignedString([]byte(r.tokenSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}
