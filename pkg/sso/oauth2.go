package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// oauth2Handler implements the OAuth2 authorization-code flow against
// providers without OIDC discovery. The session's correlation token is the
// state parameter; the callback leg rejects any response whose state does
// not match.
type oauth2Handler struct {
	provider        *Provider
	oauthConfig     *oauth2.Config
	userInfoURL     string
	upstreamTimeout time.Duration
}

func newOAuth2Handler(provider *Provider, baseURL string, upstreamTimeout time.Duration) (*oauth2Handler, error) {
	cfg := provider.OAuthConfig
	if cfg == nil {
		return nil, ErrConfiguration("OAuth2 config is required", nil)
	}

	redirectURL := cfg.RedirectURL
	if redirectURL == "" {
		redirectURL = fmt.Sprintf("%s/api/v1/auth/sso/%d/callback", baseURL, provider.ID)
	}

	return &oauth2Handler{
		provider: provider,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: redirectURL,
			Scopes:      cfg.Scopes,
		},
		userInfoURL:     cfg.UserInfoURL,
		upstreamTimeout: upstreamTimeout,
	}, nil
}

func (h *oauth2Handler) Type() ProviderType { return ProviderTypeOAuth2 }

func (h *oauth2Handler) Initiate(ctx context.Context, session *Session) (*InitiationResult, error) {
	authURL := h.oauthConfig.AuthCodeURL(session.CorrelationToken, oauth2.AccessTypeOffline)
	return &InitiationResult{RedirectURL: authURL}, nil
}

func (h *oauth2Handler) Complete(ctx context.Context, session *Session, input *CompletionInput) (*Identity, error) {
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

	token, err := h.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, ErrUpstream("failed to exchange authorization code", err)
	}

	userInfo, err := h.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	return h.mapClaims(userInfo)
}

func (h *oauth2Handler) fetchUserInfo(ctx context.Context, token *oauth2.Token) (map[string]interface{}, error) {
	if h.userInfoURL == "" {
		return nil, ErrConfiguration("user_info_url is required", nil)
	}

	client := h.oauthConfig.Client(ctx, token)
	resp, err := client.Get(h.userInfoURL)
	if err != nil {
		return nil, ErrUpstream("failed to fetch user info", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, ErrUpstream(fmt.Sprintf("user info request returned %d: %s", resp.StatusCode, body), nil)
	}

	var userInfo map[string]interface{}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&userInfo); err != nil {
		return nil, ErrInvalidResponse("failed to decode user info", err)
	}
	return userInfo, nil
}

// mapClaims normalizes a userinfo document into an Identity through the
// provider's attribute mapping.
func (h *oauth2Handler) mapClaims(claims map[string]interface{}) (*Identity, error) {
	identity := &Identity{Attributes: make(map[string]string)}
	for k, v := range claims {
		identity.Attributes[k] = claimString(v)
	}

	identity.SubjectID = claimString(claims[h.provider.IdPAttributeFor(AttrSubjectID, "sub")])
	identity.Email = claimString(claims[h.provider.IdPAttributeFor(AttrEmail, "email")])
	identity.Name = claimString(claims[h.provider.IdPAttributeFor(AttrName, "name")])
	identity.Groups = claimStrings(claims[h.provider.IdPAttributeFor(AttrGroups, "groups")])

	if identity.SubjectID == "" {
		return nil, ErrInvalidResponse("user info carries no subject identifier", nil)
	}
	return identity, nil
}

// claimString renders any claim value as a string. Providers disagree on
// types here (GitHub's id is numeric); complex values fall back to JSON.
func claimString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

func claimStrings(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := claimString(item); s != "" {
			result = append(result, s)
		}
	}
	return result
}
