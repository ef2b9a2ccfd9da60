// Package sso implements the federated single sign-on backend of gatekey.
//
// # Overview
//
// Tenants register identity providers (SAML 2.0, OAuth2, OpenID Connect,
// LDAP) in the Registry. A login runs as a Session that moves through a
// small state machine: it is created "initiated" when the handshake
// starts, becomes "authenticated" when the protocol handler validates the
// IdP response and the Resolver maps the external identity to a local
// user, or "failed" with a recorded reason. Authenticated sessions expire
// lazily and can be terminated by logout or by an administrator.
//
// # Components
//
//   - Registry: per-tenant provider configuration, credential material
//     encrypted at rest
//   - HandlerFactory / ProtocolHandler: one compiled handler per protocol,
//     cached per provider revision
//   - SessionStore: session records and their guarded state transitions
//   - Resolver: external subject -> local user, with email linking and JIT
//     provisioning
//   - Service: the orchestrator; owns tokens, metrics and the audit trail
//   - Auditor: append-only audit log for authentication and configuration
//     events
//
// # Usage Example
//
// Register a provider and start a login:
//
//	provider := &sso.Provider{
//		TenantID: 1,
//		Name:     "Corp Okta",
//		Type:     sso.ProviderTypeOIDC,
//		OAuthConfig: &sso.OAuthConfig{
//			ClientID:  "gatekey",
//			IssuerURL: "https://corp.okta.com",
//			Scopes:    []string{"openid", "profile", "email"},
//		},
//		AutoProvision: true,
//	}
//	if err := registry.CreateProvider(ctx, provider); err != nil {
//		return err
//	}
//
//	session, redirect, err := service.InitiateLogin(ctx, provider.ID, reqCtx)
//
// The IdP callback then completes the handshake:
//
//	result, err := service.CompleteLogin(ctx, session.ID, &sso.CompletionInput{
//		Params: r.Form,
//	}, reqCtx)
//
// # Related Packages
//
//   - pkg/auth: users, bearer tokens and token revocation
//   - pkg/observability: structured logging, metrics and health checks
package sso
