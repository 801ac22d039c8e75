// Package auth provides HMAC-based API key authentication for the admin gRPC
// service.
package auth

import (
	"context"
	"encoding/hex"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a typed key for context values to avoid collisions.
type contextKey string

// secretIDKey is the context key for the secret id that signed the caller's key.
const secretIDKey = contextKey("secret_id")

// Authenticator validates API keys using HMAC-SHA256 signatures.
// Holds in-memory secret map for O(1) lookup by secret id.
type Authenticator struct {
	secrets map[string][]byte
	logger  zerolog.Logger
}

// NewAuthenticator creates an authenticator from the configured secrets.
func NewAuthenticator(secrets map[string][]byte, logger zerolog.Logger) (*Authenticator, error) {
	if len(secrets) == 0 {
		return nil, ErrNoSecrets
	}
	return &Authenticator{
		secrets: secrets,
		logger:  logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Authenticate validates an API key and returns the secret id that signed it.
func (a *Authenticator) Authenticate(apiKey string) (string, error) {
	secretID, nonce, mac, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}

	// O(1) lookup of HMAC secret using secret_id from key format
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	expected, err := hex.DecodeString(mac)
	if err != nil {
		return "", ErrInvalidKeyFormat
	}
	if !VerifyHMAC(expected, ComputeHMAC(secret, signedPart(secretID, nonce))) {
		return "", ErrInvalidKey
	}
	return secretID, nil
}

// UnaryInterceptor returns gRPC interceptor that authenticates requests.
// Health checks are exempt so orchestrators can probe without a key.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if info.FullMethod == "/grpc.health.v1.Health/Check" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		apiKeys := md.Get("x-api-key")
		if len(apiKeys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		secretID, err := a.Authenticate(apiKeys[0])
		if err != nil {
			a.logger.Warn().Err(err).Str("method", info.FullMethod).Msg("rejected admin request")
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		ctx = context.WithValue(ctx, secretIDKey, secretID)
		return handler(ctx, req)
	}
}

// SecretIDFromContext extracts the authenticated secret id from context.
// Returns empty string if not found.
func SecretIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(secretIDKey).(string); ok {
		return id
	}
	return ""
}
