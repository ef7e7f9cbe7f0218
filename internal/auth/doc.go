// Package auth provides request authentication for seance-gateway.
//
// # Authentication Methods
//
// Two bearer credential types are accepted on /api/ routes:
//
//   - JWT Tokens: HS256 tokens signed with the configured jwt_secret.
//     The sub claim becomes the request principal.
//
//   - API Keys: Raw keys compared against the configured bcrypt hashes.
//
// When neither a jwt_secret nor api_keys are configured, the middleware is
// a no-op and the API is open. Health endpoints never require auth.
//
// # Usage
//
//	authn := auth.NewAuthenticator(cfg.Auth)
//	mux.Handle("/api/", authn.Middleware(apiMux))
//
// The authenticated principal is available downstream via auth.FromContext.
package auth
