// Package auth resolves the calling principal from HS256 bearer tokens.
//
// Tokens carry the principal id as the JWT subject. TokenService issues and
// validates them; Middleware attaches the resolved task.Principal to the
// request context, where PrincipalFrom retrieves it.
package auth
