package sso

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"

	"github.com/gatekey/gatekey/pkg/auth"
	"github.com/gatekey/gatekey/pkg/observability"
)

// Service orchestrates login flows across the registry, the session state
// machine, the protocol handlers and the identity resolver. It owns the
// audit trail for authentication events; the stores underneath it never
// write authentication audit records themselves.
type Service struct {
	registry *Registry
	sessions *SessionStore
	factory  *HandlerFactory
	resolver *Resolver
	users    *auth.UserStore
	revoker  *auth.RevocationStore
	auditor  *Auditor
	logger   *observability.Logger
	metrics  *observability.Metrics

	sessionTTL   time.Duration
	handshakeTTL time.Duration
}

// ServiceOptions configures session lifetimes.
type ServiceOptions struct {
	// SessionTTL is how long an authenticated session stays active.
	SessionTTL time.Duration

	// HandshakeTTL is how long an initiated session may wait for its
	// callback before the sweeper fails it.
	HandshakeTTL time.Duration
}

// NewService wires the SSO components together.
func NewService(db *sql.DB, registry *Registry, factory *HandlerFactory, revoker *auth.RevocationStore, auditor *Auditor, logger *observability.Logger, metrics *observability.Metrics, opts ServiceOptions) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 8 * time.Hour
	}
	if opts.HandshakeTTL <= 0 {
		opts.HandshakeTTL = 10 * time.Minute
	}
	users := auth.NewUserStore(db)
	return &Service{
		registry:     registry,
		sessions:     NewSessionStore(db),
		factory:      factory,
		resolver:     NewResolver(db, users),
		users:        users,
		revoker:      revoker,
		auditor:      auditor,
		logger:       logger,
		metrics:      metrics,
		sessionTTL:   opts.SessionTTL,
		handshakeTTL: opts.HandshakeTTL,
	}
}

// Sessions exposes the session store for read paths.
func (s *Service) Sessions() *SessionStore { return s.sessions }

// InitiateLogin starts a handshake against a provider: it creates an
// initiated session bound to a fresh correlation token and asks the
// protocol handler for the redirect leg.
func (s *Service) InitiateLogin(ctx context.Context, providerID int64, reqCtx RequestContext) (*Session, *InitiationResult, error) {
	provider, err := s.registry.getProviderWithSecrets(ctx, providerID)
	if err != nil {
		return nil, nil, err
	}
	if !provider.IsActive {
		return nil, nil, ErrConfiguration("provider is disabled", nil)
	}

	handler, err := s.factory.HandlerFor(ctx, provider)
	if err != nil {
		return nil, nil, err
	}

	// LDAP has no redirect leg and therefore nothing to correlate.
	token := ""
	if provider.Type != ProviderTypeLDAP {
		token, err = correlationToken()
		if err != nil {
			return nil, nil, err
		}
	}

	session, err := s.sessions.CreateSession(ctx, provider, token, reqCtx)
	if err != nil {
		return nil, nil, err
	}

	result, err := handler.Initiate(ctx, session)
	if err != nil {
		ae := AsAuthError(err)
		s.failSession(ctx, provider, session, ae)
		return nil, nil, ae
	}

	s.auditor.Record(ctx, &AuditEntry{
		TenantID:      provider.TenantID,
		ProviderID:    &provider.ID,
		SessionID:     &session.ID,
		EventType:     EventLoginInitiated,
		EventCategory: CategoryAuthentication,
		IPAddress:     reqCtx.IPAddress,
		Details:       map[string]string{"provider_type": string(provider.Type)},
	})
	return session, result, nil
}

// LoginResult is the outcome of a completed login. Token carries the
// freshly issued bearer token; it is empty when the completion was a
// replay of an already authenticated session, since the plaintext token
// is only ever handed out once.
type LoginResult struct {
	Session *Session   `json:"session"`
	User    *auth.User `json:"user"`
	Token   string     `json:"token,omitempty"`
}

// CompleteLogin finishes a handshake: the protocol handler validates the
// callback, the resolver maps the identity to a user, and the session
// moves to authenticated with a fresh bearer token. Replaying a
// completion for an already authenticated session returns that session
// unchanged.
func (s *Service) CompleteLogin(ctx context.Context, sessionID string, input *CompletionInput, reqCtx RequestContext) (*LoginResult, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch session.State {
	case SessionInitiated:
		// fall through to the handshake
	case SessionAuthenticated:
		return s.replayResult(ctx, session)
	default:
		return nil, newAuthError(KindState, ReasonStateMismatch, "session already "+string(session.State), nil)
	}

	provider, err := s.registry.getProviderWithSecrets(ctx, session.ProviderID)
	if err != nil {
		return nil, err
	}
	if !provider.IsActive {
		ae := ErrConfiguration("provider is disabled", nil)
		s.failSession(ctx, provider, session, ae)
		return nil, ae
	}

	handler, err := s.factory.HandlerFor(ctx, provider)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	identity, err := handler.Complete(ctx, session, input)
	s.metrics.ObserveUpstream(string(provider.Type), time.Since(start))
	if err != nil {
		ae := AsAuthError(err)
		s.failSession(ctx, provider, session, ae)
		return nil, ae
	}

	resolution, err := s.resolver.Resolve(ctx, provider, identity)
	if err != nil {
		ae := AsAuthError(err)
		s.failSession(ctx, provider, session, ae)
		return nil, ae
	}

	token, tokenHash, err := auth.GenerateToken()
	if err != nil {
		return nil, err
	}

	authenticated, err := s.sessions.MarkAuthenticated(ctx, session.ID, resolution.User.ID, identity, tokenHash, s.sessionTTL)
	if errors.Is(err, ErrSessionNotActive) {
		// A concurrent completion won the transition. The session record
		// decides the outcome for both callers.
		current, readErr := s.sessions.GetSession(ctx, session.ID)
		if readErr != nil {
			return nil, readErr
		}
		if current.State == SessionAuthenticated {
			return s.replayResult(ctx, current)
		}
		return nil, newAuthError(KindState, ReasonStateMismatch, "session already "+string(current.State), nil)
	}
	if err != nil {
		return nil, err
	}

	if resolution.Provisioned {
		s.metrics.UsersProvisionedTotal.Inc()
		s.auditor.Record(ctx, &AuditEntry{
			TenantID:      provider.TenantID,
			ProviderID:    &provider.ID,
			SessionID:     &session.ID,
			UserID:        &resolution.User.ID,
			EventType:     EventUserProvisioned,
			EventCategory: CategoryAuthentication,
			SubjectID:     identity.SubjectID,
			Details:       map[string]string{"email": identity.Email, "role": resolution.User.Role},
		})
	}

	s.metrics.ObserveLogin(string(provider.Type), "success")
	s.auditor.Record(ctx, &AuditEntry{
		TenantID:      provider.TenantID,
		ProviderID:    &provider.ID,
		SessionID:     &session.ID,
		UserID:        &resolution.User.ID,
		EventType:     EventLoginSucceeded,
		EventCategory: CategoryAuthentication,
		SubjectID:     identity.SubjectID,
		IPAddress:     reqCtx.IPAddress,
		Details:       map[string]string{"provider_type": string(provider.Type)},
	})

	s.logger.WithFields(map[string]interface{}{
		"session_id":  session.ID,
		"provider_id": provider.ID,
		"user_id":     resolution.User.ID,
	}).Info("SSO login completed")

	return &LoginResult{Session: authenticated, User: resolution.User, Token: token}, nil
}

// AuthenticateDirect runs the full login flow for direct-credential
// providers in one call. Only LDAP providers support it.
func (s *Service) AuthenticateDirect(ctx context.Context, providerID int64, creds *Credentials, reqCtx RequestContext) (*LoginResult, error) {
	provider, err := s.registry.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider.Type != ProviderTypeLDAP {
		return nil, ErrConfiguration("provider does not accept direct credentials", nil)
	}

	session, _, err := s.InitiateLogin(ctx, providerID, reqCtx)
	if err != nil {
		return nil, err
	}
	return s.CompleteLogin(ctx, session.ID, &CompletionInput{Credentials: creds}, reqCtx)
}

// Authenticate resolves a bearer token to its active session and user.
// Revoked, expired and unknown tokens all come back as credential errors.
func (s *Service) Authenticate(ctx context.Context, token string) (*Session, *auth.User, error) {
	if err := auth.ValidateTokenFormat(token); err != nil {
		return nil, nil, ErrInvalidCredentials("malformed token")
	}
	tokenHash := auth.HashToken(token)

	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, tokenHash)
		if err != nil {
			return nil, nil, ErrUpstream("revocation lookup failed", err)
		}
		if revoked {
			return nil, nil, ErrInvalidCredentials("token has been revoked")
		}
	}

	session, err := s.sessions.GetActiveByTokenHash(ctx, tokenHash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrInvalidCredentials("unknown or expired token")
	}
	if err != nil {
		return nil, nil, err
	}
	return s.completedResult(ctx, session)
}

// GetActiveSession returns an authenticated, unexpired session along with
// its user.
func (s *Service) GetActiveSession(ctx context.Context, sessionID string) (*Session, *auth.User, error) {
	session, err := s.sessions.GetActiveSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return s.completedResult(ctx, session)
}

// TerminationResult reports a termination outcome.
type TerminationResult struct {
	Terminated bool `json:"terminated"`

	// SLORedirectURL carries the IdP single-logout redirect when the
	// session's provider is SAML with an SLO endpoint.
	SLORedirectURL string `json:"slo_redirect_url,omitempty"`
}

// TerminateSession ends an authenticated session. Terminating a session
// that is not authenticated reports Terminated=false without error, so a
// repeated logout is harmless.
func (s *Service) TerminateSession(ctx context.Context, sessionID, reason string, reqCtx RequestContext) (*TerminationResult, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	terminated, err := s.sessions.Terminate(ctx, sessionID, reason)
	if err != nil {
		return nil, err
	}
	if !terminated {
		return &TerminationResult{}, nil
	}

	if s.revoker != nil && session.TokenHash != "" && session.ExpiresAt != nil {
		if err := s.revoker.Revoke(ctx, session.TokenHash, *session.ExpiresAt); err != nil {
			s.logger.WithError(err).WithField("session_id", session.ID).Error("failed to revoke session token")
		}
	}

	s.metrics.SessionsTerminatedTotal.WithLabelValues(reason).Inc()
	s.auditor.Record(ctx, &AuditEntry{
		TenantID:      session.TenantID,
		ProviderID:    &session.ProviderID,
		SessionID:     &session.ID,
		UserID:        session.UserID,
		EventType:     EventSessionTerminated,
		EventCategory: CategoryAuthentication,
		SubjectID:     session.SubjectID,
		IPAddress:     reqCtx.IPAddress,
		Details:       map[string]string{"reason": reason},
	})

	result := &TerminationResult{Terminated: true}
	if sloURL, err := s.singleLogoutURL(ctx, session); err == nil {
		result.SLORedirectURL = sloURL
	}
	return result, nil
}

// singleLogoutURL builds the SAML SLO redirect for a terminated session,
// when the provider supports it.
func (s *Service) singleLogoutURL(ctx context.Context, session *Session) (string, error) {
	provider, err := s.registry.getProviderWithSecrets(ctx, session.ProviderID)
	if err != nil || provider.Type != ProviderTypeSAML {
		return "", err
	}
	handler, err := s.factory.HandlerFor(ctx, provider)
	if err != nil {
		return "", err
	}
	saml, ok := handler.(*samlHandler)
	if !ok {
		return "", nil
	}
	return saml.LogoutURL(session.SubjectID, session.Attributes["session_index"])
}

// SAMLMetadata renders the SP metadata document for a SAML provider.
func (s *Service) SAMLMetadata(ctx context.Context, providerID int64) ([]byte, error) {
	provider, err := s.registry.getProviderWithSecrets(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider.Type != ProviderTypeSAML {
		return nil, ErrConfiguration("provider is not SAML", nil)
	}
	handler, err := s.factory.HandlerFor(ctx, provider)
	if err != nil {
		return nil, err
	}
	saml, ok := handler.(*samlHandler)
	if !ok {
		return nil, ErrConfiguration("provider is not SAML", nil)
	}
	return saml.Metadata(), nil
}

// SweepAbandoned fails initiated sessions whose handshake exceeded the
// handshake TTL.
func (s *Service) SweepAbandoned(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.handshakeTTL)
	swept, err := s.sessions.FailAbandoned(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.logger.WithField("count", swept).Info("failed abandoned SSO handshakes")
	}
	return swept, nil
}

// replayResult answers a repeated completion for an already authenticated
// session. No new token is issued.
func (s *Service) replayResult(ctx context.Context, session *Session) (*LoginResult, error) {
	session, user, err := s.completedResult(ctx, session)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: session, User: user}, nil
}

// completedResult loads the user behind an authenticated session.
func (s *Service) completedResult(ctx context.Context, session *Session) (*Session, *auth.User, error) {
	if session.UserID == nil {
		return nil, nil, newAuthError(KindState, ReasonStateMismatch, "authenticated session has no user", nil)
	}
	user, err := s.users.GetUser(ctx, *session.UserID)
	if err != nil {
		return nil, nil, err
	}
	return session, user, nil
}

// failSession records a failed handshake: the session transition, the
// audit entry and the failure metric. Audit and metric writes never abort
// the flow.
func (s *Service) failSession(ctx context.Context, provider *Provider, session *Session, ae *AuthError) {
	if err := s.sessions.MarkFailed(ctx, session.ID, ae.FailureReason()); err != nil && !errors.Is(err, ErrSessionNotActive) {
		s.logger.WithError(err).WithField("session_id", session.ID).Error("failed to record session failure")
	}
	s.metrics.ObserveLogin(string(provider.Type), "failure")
	s.auditor.Record(ctx, &AuditEntry{
		TenantID:      provider.TenantID,
		ProviderID:    &provider.ID,
		SessionID:     &session.ID,
		EventType:     EventLoginFailed,
		EventCategory: CategoryAuthentication,
		IPAddress:     session.IPAddress,
		ErrorMessage:  ae.FailureReason(),
		Details:       map[string]string{"provider_type": string(provider.Type), "kind": string(ae.Kind)},
	})
}

// correlationToken generates the random state bound to a handshake.
func correlationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", ErrUpstream("failed to generate state token", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
