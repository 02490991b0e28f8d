package api

import (
	"errors"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/internal/logger"
)

// readRealtimeRequest accepts the form body broker client libraries send
// as well as JSON.
func readRealtimeRequest(w http.ResponseWriter, r *http.Request) (RealtimeAuthRequest, bool) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		return decodeJSON[RealtimeAuthRequest](w, r, maxAuthBodySize)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return RealtimeAuthRequest{}, false
	}
	return RealtimeAuthRequest{
		SocketID:    r.PostForm.Get("socket_id"),
		ChannelName: r.PostForm.Get("channel_name"),
	}, true
}

// RealtimeAuth handles POST /realtime/auth, the subscription handshake a
// broker client performs before joining a private or presence channel.
func (a *API) RealtimeAuth(w http.ResponseWriter, r *http.Request) {
	if a.realtime == nil {
		writeError(w, http.StatusNotFound, "realtime not configured")
		return
	}
	req, ok := readRealtimeRequest(w, r)
	if !ok {
		return
	}
	if req.SocketID == "" || req.ChannelName == "" {
		writeError(w, http.StatusBadRequest, "socket_id and channel_name are required")
		return
	}

	grant, err := a.realtime.OnSubscriptionRequest(r.Context(), tokenFromRequest(r), req.ChannelName, req.SocketID)
	if err != nil {
		if errors.Is(err, channel.ErrChannelDenied) {
			a.audit.logFailure(AuditChannelDenied, r, "channel denied", logger.Channel(req.ChannelName))
		}
		mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditChannelGranted, r, grant.PrincipalID,
		logger.Channel(req.ChannelName), zap.String("socket_id", req.SocketID))
	writeJSON(w, http.StatusOK, RealtimeAuthResponse{Auth: grant.Auth, ChannelData: grant.ChannelData})
}
