package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"bloodlink/internal/auth"
	"bloodlink/internal/session"
	id "bloodlink/pkg/domain"
	dErrors "bloodlink/pkg/domain-errors"
	"bloodlink/pkg/platform/httputil"
	"bloodlink/pkg/requestcontext"
)

type contextKey struct{ name string }

var (
	executionContextKey = contextKey{"execution_context"}
	profileContextKey   = contextKey{"profile"}
)

// CredentialFunc extracts the raw identity provider credential from a request.
// An empty string means none was presented.
type CredentialFunc func(r *http.Request) string

// BearerCredential reads an "Authorization: Bearer" token.
func BearerCredential(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimSpace(token)
}

// CookieHeaderCredential returns the whole Cookie header when the named
// session cookie is present, which is what Kratos' whoami endpoint expects.
func CookieHeaderCredential(name string) CredentialFunc {
	return func(r *http.Request) string {
		if _, err := r.Cookie(name); err != nil {
			return ""
		}
		return r.Header.Get("Cookie")
	}
}

func executionContextFrom(ctx context.Context) *auth.ExecutionContext {
	ec, _ := ctx.Value(executionContextKey).(*auth.ExecutionContext)
	return ec
}

// requestContext copies chi's request id and the request time into
// requestcontext so services and audit events see them.
func (h *Handler) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = requestcontext.WithTime(ctx, h.clock())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.InfoContext(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestcontext.RequestID(r.Context()),
		)
	})
}

// executionContext resolves the context cookie to a registry entry, issuing a
// fresh id when the cookie is missing or malformed.
func (h *Handler) executionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var cid id.ContextID
		if c, err := r.Cookie(h.contextCookie); err == nil {
			cid, _ = id.ParseContextID(c.Value)
		}
		if cid.IsNil() {
			cid = id.NewContextID()
			http.SetCookie(w, &http.Cookie{
				Name:     h.contextCookie,
				Value:    cid.String(),
				Path:     "/",
				HttpOnly: true,
				Secure:   h.secureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ec, err := h.registry.Get(ctx, cid)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to resolve execution context",
				"context_id", cid.String(),
				"error", err,
			)
			httputil.WriteError(w, err)
			return
		}

		ctx = requestcontext.WithContextID(ctx, cid)
		ctx = context.WithValue(ctx, executionContextKey, ec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bindSession verifies the presented credential and offers the result to the
// context's session source, which emits signedIn, tokenRefreshed or
// signedOut as needed. Provider outages leave the current session in place.
func (h *Handler) bindSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ec := executionContextFrom(ctx)
		if ec == nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "execution context missing"))
			return
		}

		sess, err := h.verifier.Verify(ctx, h.credential(r))
		switch {
		case err == nil:
			ec.Source.Offer(sess)
		case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrInvalidCredential):
			if !errors.Is(err, session.ErrNoSession) {
				h.logger.WarnContext(ctx, "rejected credential", "error", err)
			}
			ec.Source.Offer(nil)
		default:
			h.logger.WarnContext(ctx, "identity provider unavailable, keeping current session",
				slog.String("error", err.Error()),
			)
		}
		next.ServeHTTP(w, r)
	})
}
