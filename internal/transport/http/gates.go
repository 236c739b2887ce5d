package httptransport

import (
	"context"
	"net/http"
	"net/url"

	"bloodlink/internal/gate"
	"bloodlink/internal/profile/models"
	dErrors "bloodlink/pkg/domain-errors"
	"bloodlink/pkg/platform/httputil"
)

// httpRouter adapts a response to the gate Router. Only the first redirect
// is written.
type httpRouter struct {
	w    http.ResponseWriter
	r    *http.Request
	sent bool
}

func (hr *httpRouter) Redirect(path string, query url.Values) {
	if hr.sent {
		return
	}
	hr.sent = true
	target := path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	http.Redirect(hr.w, hr.r, target, http.StatusSeeOther)
}

func (hr *httpRouter) CurrentPath() string {
	return hr.r.URL.RequestURI()
}

func profileFrom(ctx context.Context) *models.Profile {
	p, _ := ctx.Value(profileContextKey).(*models.Profile)
	return p
}

// RequireAccess runs the access gate; only a Ready decision reaches next.
func (h *Handler) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ec := executionContextFrom(ctx)
		if ec == nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "execution context missing"))
			return
		}

		opts := []gate.AccessOption{
			gate.WithSignInPath(h.signInPath),
			gate.WithRetryBudget(h.retryBudget),
			gate.WithAccessLogger(h.logger),
			gate.WithAccessMetrics(h.metrics),
		}
		if h.backOff != nil {
			opts = append(opts, gate.WithBackOff(h.backOff))
		}
		if h.auditPublisher != nil {
			opts = append(opts, gate.WithAccessAudit(h.auditPublisher))
		}

		d := gate.NewAccessGate(ec.Coordinator, ec.Coordinator, &httpRouter{w: w, r: r}, opts...).Run(ctx)
		if !d.Rendered() {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, profileContextKey, d.Profile)))
	})
}

// RequireRegistration runs the registration gate; incomplete profiles are
// sent to the completion path.
func (h *Handler) RequireRegistration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ec := executionContextFrom(ctx)
		if ec == nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "execution context missing"))
			return
		}

		opts := []gate.RegistrationOption{
			gate.WithRegistrationSignInPath(h.signInPath),
			gate.WithCompletionPath(h.completionPath),
			gate.WithRegistrationClock(h.clock),
			gate.WithRegistrationLogger(h.logger),
			gate.WithRegistrationMetrics(h.metrics),
		}
		if h.auditPublisher != nil {
			opts = append(opts, gate.WithRegistrationAudit(h.auditPublisher))
		}

		pending := h.cache.Namespace(ec.ID.String())
		d := gate.NewRegistrationGate(ec.Coordinator, h.profiles, pending, &httpRouter{w: w, r: r}, opts...).Run(ctx)
		if !d.Rendered() {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, profileContextKey, d.Profile)))
	})
}
