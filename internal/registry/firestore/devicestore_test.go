//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/memberhub/go-push-dispatch/internal/registry/firestore"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

func setupSuite(t *testing.T) (context.Context, *fs.DeviceStore) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-device-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewDeviceStore(client)
}

func TestDeviceStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)
	userURN, _ := urn.Parse("urn:mh:user:test-user")

	t.Run("Registration Lifecycle", func(t *testing.T) {
		// 1. First registration
		device, err := store.Register(ctx, userURN, "phone-1", "token-a", notification.PlatformAndroid)
		require.NoError(t, err)
		assert.Equal(t, 1, device.TokenVersion)

		// 2. Identical re-registration is a no-op
		again, err := store.Register(ctx, userURN, "phone-1", "token-a", notification.PlatformAndroid)
		require.NoError(t, err)
		assert.Equal(t, 1, again.TokenVersion)
		assert.Equal(t, device.RegisteredAt.Unix(), again.RegisteredAt.Unix())

		// 3. A new token supersedes and bumps the version
		rotated, err := store.Register(ctx, userURN, "phone-1", "token-b", notification.PlatformAndroid)
		require.NoError(t, err)
		assert.Equal(t, 2, rotated.TokenVersion)
		assert.Equal(t, "token-b", rotated.Token)

		// 4. Lookup sees exactly one live record
		devices, err := store.Lookup(ctx, userURN)
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, "token-b", devices[0].Token)
	})

	t.Run("Revocation Lifecycle", func(t *testing.T) {
		_, err := store.Register(ctx, userURN, "phone-2", "token-c", notification.PlatformIOS)
		require.NoError(t, err)

		// 1. Revoke removes the device from lookups
		err = store.Revoke(ctx, userURN, "phone-2", "provider reported invalid token")
		require.NoError(t, err)

		devices, err := store.Lookup(ctx, userURN)
		require.NoError(t, err)
		for _, d := range devices {
			assert.NotEqual(t, "phone-2", d.DeviceID)
		}

		// 2. Revocation is idempotent, unknown devices included
		require.NoError(t, store.Revoke(ctx, userURN, "phone-2", "again"))
		require.NoError(t, store.Revoke(ctx, userURN, "never-existed", "noop"))

		// 3. Re-registering a revoked device resurrects it with a bumped version
		back, err := store.Register(ctx, userURN, "phone-2", "token-d", notification.PlatformIOS)
		require.NoError(t, err)
		assert.Equal(t, 2, back.TokenVersion)
		assert.False(t, back.Revoked)

		devices, err = store.Lookup(ctx, userURN)
		require.NoError(t, err)
		found := false
		for _, d := range devices {
			if d.DeviceID == "phone-2" {
				found = true
				assert.Equal(t, "token-d", d.Token)
			}
		}
		assert.True(t, found)
	})

	t.Run("Lookup for unknown user is empty, not an error", func(t *testing.T) {
		nobody, _ := urn.Parse("urn:mh:user:nobody")
		devices, err := store.Lookup(ctx, nobody)
		require.NoError(t, err)
		assert.Empty(t, devices)
	})
}
