package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// oidcHandler implements OpenID Connect with issuer discovery. It runs the
// same authorization-code flow as oauth2Handler but verifies the id_token
// signature and claims instead of trusting a userinfo endpoint alone.
type oidcHandler struct {
	provider        *Provider
	oidcProvider    *oidc.Provider
	verifier        *oidc.IDTokenVerifier
	oauthConfig     *oauth2.Config
	upstreamTimeout time.Duration
}

func newOIDCHandler(ctx context.Context, provider *Provider, baseURL string, upstreamTimeout time.Duration, insecureSkipVerify bool) (*oidcHandler, error) {
	cfg := provider.OAuthConfig
	if cfg == nil {
		return nil, ErrConfiguration("OIDC config is required", nil)
	}
	if cfg.IssuerURL == "" {
		return nil, ErrConfiguration("issuer_url is required", nil)
	}

	discoverCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	oidcProvider, err := oidc.NewProvider(discoverCtx, cfg.IssuerURL)
	if err != nil {
		return nil, ErrUpstream("failed to discover OIDC provider", err)
	}

	verifier := oidcProvider.Verifier(&oidc.Config{
		ClientID:                   cfg.ClientID,
		InsecureSkipSignatureCheck: insecureSkipVerify,
	})

	redirectURL := cfg.RedirectURL
	if redirectURL == "" {
		redirectURL = fmt.Sprintf("%s/api/v1/auth/sso/%d/callback", baseURL, provider.ID)
	}

	return &oidcHandler{
		provider:     provider,
		oidcProvider: oidcProvider,
		verifier:     verifier,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oidcProvider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       cfg.Scopes,
		},
		upstreamTimeout: upstreamTimeout,
	}, nil
}

func (h *oidcHandler) Type() ProviderType { return ProviderTypeOIDC }

func (h *oidcHandler) Initiate(ctx context.Context, session *Session) (*InitiationResult, error) {
	authURL := h.oauthConfig.AuthCodeURL(session.CorrelationToken, oauth2.AccessTypeOffline)
	return &InitiationResult{RedirectURL: authURL}, nil
}

func (h *oidcHandler) Complete(ctx context.Context, session *Session, input *CompletionInput) (*Identity, error) {
	if errParam := input.Params.Get("error"); errParam != "" {
		detail := errParam
		if desc := input.Params.Get("error_description"); desc != "" {
			detail += ": " + desc
		}
		if errParam == "access_denied" {
			return nil, ErrInvalidCredentials(detail)
		}
		return nil, ErrInvalidResponse(detail, nil)
	}

	state := input.Params.Get("state")
	if state == "" || state != session.CorrelationToken {
		return nil, ErrStateMismatch("state does not match session")
	}

	code := input.Params.Get("code")
	if code == "" {
		return nil, ErrInvalidResponse("missing authorization code", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, h.upstreamTimeout)
	defer cancel()

	oauth2Token, err := h.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, ErrUpstream("failed to exchange authorization code", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, ErrInvalidResponse("token response carries no id_token", nil)
	}

	idToken, err := h.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, ErrSignatureInvalid("failed to verify ID token", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, ErrInvalidResponse("failed to parse ID token claims", err)
	}

	identity := &Identity{Attributes: make(map[string]string)}
	for k, v := range claims {
		identity.Attributes[k] = claimString(v)
	}

	identity.SubjectID = claimString(claims[h.provider.IdPAttributeFor(AttrSubjectID, "sub")])
	identity.Email = claimString(claims[h.provider.IdPAttributeFor(AttrEmail, "email")])
	identity.Name = claimString(claims[h.provider.IdPAttributeFor(AttrName, "name")])
	identity.Groups = claimStrings(claims[h.provider.IdPAttributeFor(AttrGroups, "groups")])

	// Some IdPs only expose profile claims through userinfo.
	if identity.Email == "" || identity.Name == "" {
		h.mergeUserInfo(ctx, oauth2Token, identity)
	}

	if identity.SubjectID == "" {
		identity.SubjectID = idToken.Subject
	}
	if identity.SubjectID == "" {
		return nil, ErrInvalidResponse("ID token carries no subject identifier", nil)
	}
	return identity, nil
}

// mergeUserInfo fills gaps in the identity from the userinfo endpoint.
// Userinfo failures are ignored; the verified ID token remains the source
// of record.
func (h *oidcHandler) mergeUserInfo(ctx context.Context, token *oauth2.Token, identity *Identity) {
	userInfo, err := h.oidcProvider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return
	}
	var claims map[string]interface{}
	if err := userInfo.Claims(&claims); err != nil {
		return
	}

	for k, v := range claims {
		if _, exists := identity.Attributes[k]; !exists {
			identity.Attributes[k] = claimString(v)
		}
	}
	if identity.Email == "" {
		identity.Email = claimString(claims[h.provider.IdPAttributeFor(AttrEmail, "email")])
	}
	if identity.Name == "" {
		identity.Name = claimString(claims[h.provider.IdPAttributeFor(AttrName, "name")])
	}
	if len(identity.Groups) == 0 {
		identity.Groups = claimStrings(claims[h.provider.IdPAttributeFor(AttrGroups, "groups")])
	}
}
