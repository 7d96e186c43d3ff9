// Package auth authenticates SockJS sessions with signed tokens.
//
// Browsers cannot attach an Authorization header to every SockJS transport,
// so tokens usually travel in a query argument or cookie of the first
// request. Guard wraps a ConnectionFactory and rejects the session from
// OnOpen when that token does not verify; the client then receives the
// default close frame.
//
// # Authenticators
//
// NewHMAC verifies tokens signed with a shared secret. NewJWKS verifies
// tokens against a remote JWK set, and NewFromDiscovery finds that set
// through OpenID Connect discovery.
//
// Example:
//
//	authn, err := auth.NewHMAC([]byte(os.Getenv("JWT_SECRET")), "chat",
//	    auth.WithAudiences("chat"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	factory := auth.Guard(authn, func(c sessions.Conn) sessions.Connection {
//	    return &room{conn: c}
//	})
//
// Inside the wrapped connection, UserFrom(ctx) returns the authenticated
// user for every callback.
//
// # Scopes
//
// WithRequiredScopes enforces that all provided scopes are present in the
// token's space-delimited scope claim; WithAnyRequiredScope relaxes this so
// at least one matches. Only one of these should be used per Authenticator
// configuration (subsequent calls overwrite scope mode).
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
