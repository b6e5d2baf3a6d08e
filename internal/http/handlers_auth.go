package http

import (
	"net/http"

	"wedplan/internal/identity"
	"wedplan/internal/log"
)

// handleSignIn exchanges an identity-provider credential for a session
// cookie.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	body := parseBody(w, r)
	if body == nil {
		return
	}

	sess, token, err := s.auth.SignIn(r.Context(), body.Get("credential"))
	if err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError {
			log.FromContext(r.Context()).LogError(r.Context(), "Sign-in failed", err, log.OpSignIn,
				log.NewFields().With(log.FieldErrorType, log.ErrorTypeInternal))
		}
		errorFromErr(err).Write(w)
		return
	}

	s.auth.Sessions().SetCookie(w, token, sess)
	NewJSONResponse().Body(map[string]any{
		"user":       toIdentity(sess.Identity),
		"expires_at": sess.ExpiresAt,
	}).Write(w)
}

// handleSignOut revokes the session token, clears the cookie and drops the
// session's board. It succeeds without a valid session.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if sess, err := s.auth.Sessions().FromRequest(r); err == nil {
		s.auth.Sessions().Revoke(sess)
		s.boards.Delete(sess.ID)
		log.FromContext(r.Context()).InfoContext(r.Context(), "Signed out",
			log.FieldOwner, sess.Identity.UID,
			log.FieldSessionID, sess.ID,
			log.FieldOperation, log.OpSignOut)
	}
	s.auth.Sessions().ClearCookie(w)
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		errorFromErr(identity.ErrNoSession).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]any{
		"user":       toIdentity(sess.Identity),
		"expires_at": sess.ExpiresAt,
	}).Write(w)
}
