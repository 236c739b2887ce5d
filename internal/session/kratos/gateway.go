// Package kratos adapts Ory Kratos sessions to the session boundary: the public
// API verifies browser session cookies and the admin API revokes sessions.
package kratos

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	kratos "github.com/ory/kratos-client-go"

	"bloodlink/internal/session"
	"bloodlink/internal/session/models"
	id "bloodlink/pkg/domain"
	"bloodlink/pkg/platform/sentinel"
)

// Gateway implements session.Verifier and session.Revoker.
type Gateway struct {
	public  *kratos.APIClient
	admin   *kratos.APIClient
	timeout time.Duration
}

// NewGateway creates a Kratos gateway. adminURL may be empty, in which case
// Revoke is a no-op and sign-out stays local.
func NewGateway(publicURL, adminURL string, timeout time.Duration) *Gateway {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{Timeout: timeout, Transport: transport}

	g := &Gateway{
		public:  newAPIClient(publicURL, httpClient),
		timeout: timeout,
	}
	if adminURL != "" {
		g.admin = newAPIClient(adminURL, httpClient)
	}
	return g
}

func newAPIClient(baseURL string, httpClient *http.Client) *kratos.APIClient {
	configuration := kratos.NewConfiguration()
	configuration.Servers = []kratos.ServerConfiguration{{URL: baseURL}}
	configuration.HTTPClient = httpClient
	return kratos.NewAPIClient(configuration)
}

// Verify resolves a browser session cookie header value into a session.
func (g *Gateway) Verify(ctx context.Context, cookie string) (*models.Session, error) {
	if cookie == "" {
		return nil, session.ErrNoSession
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ks, resp, err := g.public.FrontendAPI.ToSession(ctx).Cookie(cookie).Execute()
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, session.ErrNoSession
			}
			return nil, fmt.Errorf("%w: kratos returned status %d", sentinel.ErrUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}

	if ks.Active != nil && !*ks.Active {
		return nil, session.ErrNoSession
	}
	if ks.Identity == nil {
		return nil, fmt.Errorf("%w: session has no identity", session.ErrInvalidCredential)
	}

	userID, err := id.ParseUserID(ks.Identity.Id)
	if err != nil {
		return nil, fmt.Errorf("%w: identity id: %w", session.ErrInvalidCredential, err)
	}

	traits, _ := ks.Identity.Traits.(map[string]interface{})
	sess := &models.Session{
		ID:       ks.Id,
		UserID:   userID,
		Email:    stringTrait(traits, "email"),
		Phone:    stringTrait(traits, "phone"),
		Metadata: nameMetadata(traits),
	}
	if ks.IssuedAt != nil {
		sess.IssuedAt = *ks.IssuedAt
	}
	if ks.ExpiresAt != nil {
		sess.ExpiresAt = *ks.ExpiresAt
	}
	return sess, nil
}

// Revoke disables the session through the admin API.
func (g *Gateway) Revoke(ctx context.Context, s *models.Session) error {
	if g.admin == nil || s == nil || s.ID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.admin.IdentityAPI.DisableSession(ctx, s.ID).Execute()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("disable kratos session: %w", err)
	}
	return nil
}

func stringTrait(traits map[string]interface{}, key string) string {
	if v, ok := traits[key].(string); ok {
		return v
	}
	return ""
}

// nameMetadata flattens the common name trait shapes: a plain string or an
// object with first/last parts.
func nameMetadata(traits map[string]interface{}) map[string]string {
	switch name := traits["name"].(type) {
	case string:
		if name != "" {
			return map[string]string{"full_name": name}
		}
	case map[string]interface{}:
		first, _ := name["first"].(string)
		last, _ := name["last"].(string)
		if full := strings.TrimSpace(first + " " + last); full != "" {
			return map[string]string{"full_name": full}
		}
	}
	return nil
}
