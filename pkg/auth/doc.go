// Package auth holds the local user store and bearer session tokens that the
// SSO subsystem resolves identities into.
//
// Local password authentication and JWT issuance live elsewhere; this package
// only provides what federated login needs: user lookup/creation, opaque
// session-token issuance, and a keyed revocation store so revoked tokens are
// rejected without any process-local blacklist.
package auth
