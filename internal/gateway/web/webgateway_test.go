package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/memberhub/go-push-dispatch/internal/gateway/web"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// subscriptionToken builds a real, encryptable subscription pointing at the
// mock push service and returns it serialized the way the registry stores it.
func subscriptionToken(t *testing.T, endpoint string) string {
	t.Helper()

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	sub := webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	return string(raw)
}

func webDevice(token string) notification.Device {
	user, _ := urn.Parse("urn:mh:user:alice")
	return notification.Device{
		UserID:   user,
		DeviceID: "browser-1",
		Token:    token,
		Platform: notification.PlatformWeb,
	}
}

func TestWebSend(t *testing.T) {
	ctx := context.Background()
	msg := notification.Message{Title: "Test", Body: "Body", Data: map[string]string{"event_id": "e1"}}

	// Mock push service (simulates Google/Mozilla push servers).
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// VAPID headers must be present on every request.
		assert.NotEmpty(t, r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/success":
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer mockServer.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	gw := web.NewGateway(web.Config{
		PublicKey:       publicKey,
		PrivateKey:      privateKey,
		SubscriberEmail: "mailto:push@test.com",
	}, newTestLogger())

	t.Run("201 - Sent", func(t *testing.T) {
		outcome := gw.Send(ctx, webDevice(subscriptionToken(t, mockServer.URL+"/success")), msg)
		require.Equal(t, notification.OutcomeSent, outcome.Kind)
		assert.NotEmpty(t, outcome.Receipt)
	})

	t.Run("410 - Subscription gone", func(t *testing.T) {
		outcome := gw.Send(ctx, webDevice(subscriptionToken(t, mockServer.URL+"/expired")), msg)
		assert.Equal(t, notification.OutcomeInvalidToken, outcome.Kind)
	})

	t.Run("429 - Retryable", func(t *testing.T) {
		outcome := gw.Send(ctx, webDevice(subscriptionToken(t, mockServer.URL+"/throttled")), msg)
		assert.Equal(t, notification.OutcomeRetryable, outcome.Kind)
	})

	t.Run("500 - Retryable", func(t *testing.T) {
		outcome := gw.Send(ctx, webDevice(subscriptionToken(t, mockServer.URL+"/error")), msg)
		assert.Equal(t, notification.OutcomeRetryable, outcome.Kind)
	})

	t.Run("400 - Permanent", func(t *testing.T) {
		outcome := gw.Send(ctx, webDevice(subscriptionToken(t, mockServer.URL+"/rejected")), msg)
		assert.Equal(t, notification.OutcomePermanent, outcome.Kind)
	})

	t.Run("Malformed stored subscription - Invalid", func(t *testing.T) {
		outcome := gw.Send(ctx, webDevice("not-a-subscription"), msg)
		assert.Equal(t, notification.OutcomeInvalidToken, outcome.Kind)
	})
}
