// Package firestore implements the device registry on Google Cloud
// Firestore. Records live at users/{user}/devices/{deviceId}; the document
// ID is the device ID, so one record exists per (user, device) and token
// rotation rewrites it in place.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

type DeviceStore struct {
	client *firestore.Client
}

func NewDeviceStore(client *firestore.Client) *DeviceStore {
	return &DeviceStore{client: client}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	DeviceID      string    `firestore:"device_id"`
	Token         string    `firestore:"token"`
	TokenVersion  int       `firestore:"token_version"`
	Platform      string    `firestore:"platform"`
	RegisteredAt  time.Time `firestore:"registered_at"`
	Revoked       bool      `firestore:"revoked"`
	RevokedReason string    `firestore:"revoked_reason,omitempty"`
	UpdatedAt     time.Time `firestore:"updated_at"`
}

// Register upserts the device inside a transaction so concurrent refreshes
// for the same device cannot interleave version bumps. Identical tokens are
// a no-op; a new token supersedes the record and bumps the version.
func (s *DeviceStore) Register(ctx context.Context, user urn.URN, deviceID, token string, platform notification.Platform) (*notification.Device, error) {
	ref := s.deviceRef(user, deviceID)
	now := time.Now().UTC()
	var result deviceRecord

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		record := deviceRecord{
			DeviceID:     deviceID,
			Token:        token,
			TokenVersion: 1,
			Platform:     string(platform),
			RegisteredAt: now,
			UpdatedAt:    now,
		}

		doc, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			// First registration for this device.
		case err != nil:
			return err
		default:
			var existing deviceRecord
			if err := doc.DataTo(&existing); err != nil {
				return fmt.Errorf("corrupt device record for %s: %w", deviceID, err)
			}
			if !existing.Revoked && existing.Token == token && existing.Platform == string(platform) {
				result = existing
				return nil // idempotent on identical token
			}
			record.TokenVersion = existing.TokenVersion + 1
			if !existing.Revoked {
				record.RegisteredAt = existing.RegisteredAt
			}
		}

		result = record
		return tx.Set(ref, record)
	})
	if err != nil {
		return nil, fmt.Errorf("device registration failed: %w", err)
	}

	device := toDevice(user, result)
	return &device, nil
}

// Revoke marks the device dead. Unknown and already-revoked devices are
// fine: revocation is idempotent.
func (s *DeviceStore) Revoke(ctx context.Context, user urn.URN, deviceID, reason string) error {
	ref := s.deviceRef(user, deviceID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			return fmt.Errorf("corrupt device record for %s: %w", deviceID, err)
		}
		if record.Revoked {
			return nil
		}
		record.Revoked = true
		record.RevokedReason = reason
		record.UpdatedAt = time.Now().UTC()
		return tx.Set(ref, record)
	})
	if err != nil {
		return fmt.Errorf("device revocation failed: %w", err)
	}
	return nil
}

// Lookup returns the user's non-revoked devices for fan-out.
func (s *DeviceStore) Lookup(ctx context.Context, user urn.URN) ([]notification.Device, error) {
	iter := s.devicesCollection(user).Where("revoked", "==", false).Documents(ctx)
	defer iter.Stop()

	devices := make([]notification.Device, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			continue // skip corrupt rows rather than failing the fan-out
		}
		devices = append(devices, toDevice(user, record))
	}
	return devices, nil
}

func toDevice(user urn.URN, record deviceRecord) notification.Device {
	return notification.Device{
		UserID:       user,
		DeviceID:     record.DeviceID,
		Token:        record.Token,
		TokenVersion: record.TokenVersion,
		Platform:     notification.Platform(record.Platform),
		RegisteredAt: record.RegisteredAt,
		Revoked:      record.Revoked,
	}
}

func (s *DeviceStore) deviceRef(user urn.URN, deviceID string) *firestore.DocumentRef {
	return s.devicesCollection(user).Doc(deviceID)
}

func (s *DeviceStore) devicesCollection(user urn.URN) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(user.String()).Collection("devices")
}
