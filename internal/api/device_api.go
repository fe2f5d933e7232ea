package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

type DeviceAPI struct {
	Store  dispatch.DeviceStore
	Logger *slog.Logger
}

func NewDeviceAPI(store dispatch.DeviceStore, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Store:  store,
		Logger: logger,
	}
}

type registerDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type unregisterDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// RegisterDevice upserts the caller's device token. Re-registering the same
// token is a no-op; a new token supersedes the old record.
func (api *DeviceAPI) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := api.callerURN(w, r)
	if !ok {
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" || req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing device_id or token")
		return
	}
	platform, err := notification.ParsePlatform(req.Platform)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := api.Store.Register(ctx, user, req.DeviceID, req.Token, platform)
	if err != nil {
		api.Logger.Error("failed to register device", "device_id", req.DeviceID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Device registered", "user", user.String(), "device_id", device.DeviceID, "token_version", device.TokenVersion)

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":     device.DeviceID,
		"token_version": device.TokenVersion,
	})
}

// UnregisterDevice revokes the caller's device. Idempotency is preferred
// for unregister, so storage failures are logged but the client still gets
// a success.
func (api *DeviceAPI) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, ok := api.callerURN(w, r)
	if !ok {
		return
	}

	var req unregisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing device_id")
		return
	}

	if err := api.Store.Revoke(ctx, user, req.DeviceID, "user unregistered"); err != nil {
		api.Logger.Warn("failed to unregister device", "device_id", req.DeviceID, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (api *DeviceAPI) callerURN(w http.ResponseWriter, r *http.Request) (urn.URN, bool) {
	var zero urn.URN
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return zero, false
	}
	user, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user identity")
		return zero, false
	}
	return user, true
}
