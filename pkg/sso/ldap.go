package sso

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ldapHandler authenticates credentials against a directory with the
// service-bind / search / user-bind sequence: bind as the service account,
// locate the user's DN through the search filter, then bind as that DN
// with the submitted password.
type ldapHandler struct {
	provider        *Provider
	upstreamTimeout time.Duration
}

func newLDAPHandler(provider *Provider, upstreamTimeout time.Duration) (*ldapHandler, error) {
	if provider.LDAPConfig == nil {
		return nil, ErrConfiguration("LDAP config is required", nil)
	}
	return &ldapHandler{provider: provider, upstreamTimeout: upstreamTimeout}, nil
}

func (h *ldapHandler) Type() ProviderType { return ProviderTypeLDAP }

// Initiate is a no-op for LDAP: there is no redirect leg, the client
// submits credentials directly to the callback endpoint.
func (h *ldapHandler) Initiate(ctx context.Context, session *Session) (*InitiationResult, error) {
	return &InitiationResult{}, nil
}

func (h *ldapHandler) Complete(ctx context.Context, session *Session, input *CompletionInput) (*Identity, error) {
	if input.Credentials == nil || input.Credentials.Username == "" {
		return nil, ErrInvalidCredentials("username is required")
	}
	if input.Credentials.Password == "" {
		// An empty password would turn the user bind into an anonymous
		// bind, which many directories accept.
		return nil, ErrInvalidCredentials("password is required")
	}
	return h.authenticate(input.Credentials.Username, input.Credentials.Password)
}

func (h *ldapHandler) authenticate(username, password string) (*Identity, error) {
	cfg := h.provider.LDAPConfig

	conn, err := h.dial()
	if err != nil {
		return nil, ErrUpstream("failed to connect to directory", err)
	}
	defer conn.Close()

	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, ErrConfiguration("service account bind rejected", err)
		}
		return nil, ErrUpstream("directory service bind failed", err)
	}

	filter := cfg.UserFilter
	if filter == "" {
		filter = "(uid={username})"
	}
	filter = strings.ReplaceAll(filter, "{username}", ldap.EscapeFilter(username))

	attrEmail := h.provider.IdPAttributeFor(AttrEmail, "mail")
	attrName := h.provider.IdPAttributeFor(AttrName, "cn")
	attrGroups := h.provider.IdPAttributeFor(AttrGroups, "memberOf")
	attrSubject := h.provider.IdPAttributeFor(AttrSubjectID, "uid")

	searchReq := ldap.NewSearchRequest(
		cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, // size limit; more than one match means an ambiguous filter
		int(h.upstreamTimeout.Seconds()),
		false,
		filter,
		[]string{"dn", attrSubject, attrEmail, attrName, attrGroups},
		nil,
	)

	sr, err := conn.Search(searchReq)
	if err != nil {
		return nil, ErrUpstream("directory user search failed", err)
	}
	if len(sr.Entries) == 0 {
		return nil, ErrUserNotFound("no directory entry matches username")
	}
	if len(sr.Entries) > 1 {
		return nil, ErrConfiguration("user filter matched multiple entries", nil)
	}

	entry := sr.Entries[0]
	if err := conn.Bind(entry.DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, ErrInvalidCredentials("directory rejected password")
		}
		return nil, ErrUpstream("directory user bind failed", err)
	}

	identity := &Identity{
		SubjectID: entry.GetAttributeValue(attrSubject),
		Email:     entry.GetAttributeValue(attrEmail),
		Name:      entry.GetAttributeValue(attrName),
		Attributes: map[string]string{
			"dn":       entry.DN,
			"username": username,
		},
	}
	if identity.SubjectID == "" {
		identity.SubjectID = entry.DN
	}
	for _, member := range entry.GetAttributeValues(attrGroups) {
		identity.Groups = append(identity.Groups, groupName(member))
	}
	return identity, nil
}

func (h *ldapHandler) dial() (*ldap.Conn, error) {
	cfg := h.provider.LDAPConfig

	var tlsCfg *tls.Config
	if cfg.StartTLS || strings.HasPrefix(cfg.URL, "ldaps://") {
		host := cfg.URL
		if u := strings.TrimPrefix(strings.TrimPrefix(host, "ldaps://"), "ldap://"); u != "" {
			if idx := strings.IndexByte(u, ':'); idx >= 0 {
				u = u[:idx]
			}
			tlsCfg = &tls.Config{ServerName: u}
		}
	}

	conn, err := ldap.DialURL(cfg.URL,
		ldap.DialWithDialer(&net.Dialer{Timeout: h.upstreamTimeout}),
		ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(h.upstreamTimeout)

	if cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// groupName extracts the leading RDN value from a group DN, so
// "cn=admins,ou=groups,dc=example,dc=com" becomes "admins". Plain group
// names pass through unchanged.
func groupName(member string) string {
	first := member
	if idx := strings.IndexByte(member, ','); idx >= 0 {
		first = member[:idx]
	}
	if idx := strings.IndexByte(first, '='); idx >= 0 {
		return first[idx+1:]
	}
	return member
}
