// Package auth authenticates chat API callers.
//
// # Tokens
//
// Callers present an HS256 JWT whose "sub" claim is a typed participant
// reference such as "user:12" or "admin:3". User and admin ids come from
// different tables, so the kind is part of the identity. The secret comes
// from auth.jwt_secret and must be at least MinSecretLength bytes.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(participant.New(participant.KindUser, 12), 24*time.Hour)
//
// # Middleware
//
// Middleware verifies the token, looks the participant up in the directory
// and rejects unknown or inactive participants. Handlers read the caller
// with FromContext. WebSocket clients that cannot set headers may pass the
// token as the "token" query parameter.
package auth
