package sso

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// samlHandler implements SAML 2.0 SP-initiated web SSO over the HTTP-POST
// binding. The session id travels as RelayState, so the ACS leg can be
// matched back to the session that started the handshake.
type samlHandler struct {
	provider *Provider
	sp       *saml2.SAMLServiceProvider
}

func newSAMLHandler(provider *Provider, baseURL string, insecureSkipVerify bool) (*samlHandler, error) {
	cfg := provider.SAMLConfig
	if cfg == nil {
		return nil, ErrConfiguration("SAML config is required", nil)
	}

	certBlock, _ := pem.Decode([]byte(cfg.Certificate))
	if certBlock == nil {
		return nil, ErrConfiguration("failed to decode IdP certificate PEM", nil)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, ErrConfiguration("failed to parse IdP certificate", err)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SSOURL,
		IdentityProviderIssuer:      cfg.EntityID,
		ServiceProviderIssuer:       baseURL + "/api/v1/sso/metadata",
		AssertionConsumerServiceURL: fmt.Sprintf("%s/api/v1/auth/sso/%d/callback", baseURL, provider.ID),
		AudienceURI:                 baseURL,
		IDPCertificateStore: &dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{cert},
		},
		SkipSignatureValidation: insecureSkipVerify,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	return &samlHandler{provider: provider, sp: sp}, nil
}

func (h *samlHandler) Type() ProviderType { return ProviderTypeSAML }

// Initiate builds a signed-redirect AuthnRequest URL with the session's
// correlation token as RelayState.
func (h *samlHandler) Initiate(ctx context.Context, session *Session) (*InitiationResult, error) {
	authURL, err := h.sp.BuildAuthURL(session.CorrelationToken)
	if err != nil {
		return nil, ErrConfiguration("failed to build SAML auth URL", err)
	}
	return &InitiationResult{RedirectURL: authURL}, nil
}

// Complete validates the POSTed assertion: RelayState must match the
// session's correlation token, the assertion signature must verify against
// the configured IdP certificate, and the time/audience conditions must
// hold.
func (h *samlHandler) Complete(ctx context.Context, session *Session, input *CompletionInput) (*Identity, error) {
	relayState := input.Params.Get("RelayState")
	if relayState == "" || relayState != session.CorrelationToken {
		return nil, ErrStateMismatch("RelayState does not match session")
	}

	samlResponse := input.Params.Get("SAMLResponse")
	if samlResponse == "" {
		return nil, ErrInvalidResponse("missing SAMLResponse parameter", nil)
	}

	// RetrieveAssertionInfo takes the base64-encoded response as posted by
	// the IdP and verifies the signature against the certificate store.
	assertionInfo, err := h.sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return nil, ErrSignatureInvalid("failed to validate SAML assertion", err)
	}
	if wi := assertionInfo.WarningInfo; wi != nil {
		if wi.InvalidTime {
			return nil, ErrInvalidResponse("assertion outside its validity window", nil)
		}
		if wi.NotInAudience {
			return nil, ErrInvalidResponse("assertion not addressed to this service", nil)
		}
	}

	identity := &Identity{Attributes: make(map[string]string)}
	for _, attr := range assertionInfo.Values {
		if len(attr.Values) == 0 {
			continue
		}
		identity.Attributes[attr.Name] = attr.Values[0].Value

		switch h.provider.MapAttribute(attr.Name, "") {
		case AttrSubjectID:
			identity.SubjectID = attr.Values[0].Value
		case AttrEmail:
			identity.Email = attr.Values[0].Value
		case AttrName:
			identity.Name = attr.Values[0].Value
		case AttrGroups:
			for _, v := range attr.Values {
				identity.Groups = append(identity.Groups, v.Value)
			}
		}
	}

	// NameID is the subject of record when no attribute maps to one.
	if identity.SubjectID == "" {
		identity.SubjectID = assertionInfo.NameID
	}
	if identity.SubjectID == "" {
		return nil, ErrInvalidResponse("assertion carries no subject identifier", nil)
	}
	if assertionInfo.SessionIndex != "" {
		identity.Attributes["session_index"] = assertionInfo.SessionIndex
	}
	return identity, nil
}

// LogoutURL builds an IdP-initiated SLO redirect URL for a terminated
// session, or "" when the provider has no SLO endpoint.
func (h *samlHandler) LogoutURL(nameID, sessionIndex string) (string, error) {
	cfg := h.provider.SAMLConfig
	if cfg.SLOUrl == "" {
		return "", nil
	}

	logoutRequest := fmt.Sprintf(`<?xml version="1.0"?>
<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"
                     xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
                     ID="_%s"
                     Version="2.0"
                     IssueInstant="%s"
                     Destination="%s">
  <saml:Issuer>%s</saml:Issuer>
  <saml:NameID>%s</saml:NameID>
  <samlp:SessionIndex>%s</samlp:SessionIndex>
</samlp:LogoutRequest>`,
		randomSAMLID(),
		time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		cfg.SLOUrl,
		h.sp.ServiceProviderIssuer,
		nameID,
		sessionIndex)

	logoutURL, err := url.Parse(cfg.SLOUrl)
	if err != nil {
		return "", ErrConfiguration("invalid SLO URL", err)
	}
	query := logoutURL.Query()
	query.Set("SAMLRequest", base64.StdEncoding.EncodeToString([]byte(logoutRequest)))
	logoutURL.RawQuery = query.Encode()
	return logoutURL.String(), nil
}

// Metadata renders the SP metadata document for IdP-side registration.
func (h *samlHandler) Metadata() []byte {
	metadataXML := fmt.Sprintf(`<?xml version="1.0"?>
<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
                     entityID="%s">
  <md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">
    <md:NameIDFormat>%s</md:NameIDFormat>
    <md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
                                 Location="%s"
                                 index="1"/>
  </md:SPSSODescriptor>
</md:EntityDescriptor>`,
		h.sp.ServiceProviderIssuer,
		h.nameIDFormat(),
		h.sp.AssertionConsumerServiceURL)
	return []byte(metadataXML)
}

func (h *samlHandler) nameIDFormat() string {
	if h.sp.NameIdFormat != "" {
		return h.sp.NameIdFormat
	}
	return "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
}

func randomSAMLID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return hex.EncodeToString(b)
}
