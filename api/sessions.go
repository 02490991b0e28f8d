package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/session"
)

func sessionView(s *session.Session, currentID string) SessionView {
	return SessionView{
		ID:             s.ID,
		Current:        s.ID == currentID,
		Method:         s.Method,
		SecondFactor:   s.SecondFactor,
		Device:         s.Device.Label,
		UserAgent:      s.Device.UserAgent,
		IP:             s.Device.IP,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

// ListSessions handles GET /auth/sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	cur := currentFromContext(r.Context())
	all, err := a.manager.Sessions(r.Context(), cur.session.PrincipalID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	page, meta := paginate(r, all)
	views := make([]SessionView, 0, len(page))
	for _, s := range page {
		views = append(views, sessionView(s, cur.session.ID))
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: views, PaginationMeta: meta})
}

// RevokeSession handles DELETE /auth/sessions/{sessionID}. Only the
// caller's own sessions can be named; revoking the current one logs out.
func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	cur := currentFromContext(r.Context())
	id := chi.URLParam(r, "sessionID")
	if err := a.manager.RevokeSession(r.Context(), cur.session.PrincipalID, id); err != nil {
		mapError(w, r, err)
		return
	}
	if id == cur.session.ID {
		a.clearSessionCookie(w, r)
		a.clearCSRFCookie(w, r)
	}
	a.audit.logEvent(AuditSessionRevoked, r, cur.session.PrincipalID, logger.SessionID(id))
	w.WriteHeader(http.StatusNoContent)
}
