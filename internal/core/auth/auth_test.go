package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const testSecretID = "0190a1b2c3d4e5f60718293a4b5c6d7e"

var testSecret = []byte("admin-secret-for-tests")

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(map[string][]byte{testSecretID: testSecret}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func TestNewAuthenticator_NoSecrets(t *testing.T) {
	if _, err := NewAuthenticator(nil, zerolog.Nop()); !errors.Is(err, ErrNoSecrets) {
		t.Errorf("NewAuthenticator(nil) error = %v, want ErrNoSecrets", err)
	}
}

func TestGenerateAPIKey_RoundTrip(t *testing.T) {
	key, err := GenerateAPIKey(testSecret, testSecretID)
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(key, "at-v1-"+testSecretID+"-") {
		t.Errorf("GenerateAPIKey() = %q, missing prefix", key)
	}

	secretID, _, _, err := ParseAPIKey(key)
	if err != nil {
		t.Fatalf("ParseAPIKey() error = %v", err)
	}
	if secretID != testSecretID {
		t.Errorf("ParseAPIKey() secretID = %q, want %q", secretID, testSecretID)
	}

	other, err := GenerateAPIKey(testSecret, testSecretID)
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if other == key {
		t.Error("GenerateAPIKey() returned the same key twice")
	}
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuthenticator(t)
	nonce := strings.Repeat("ab", 16)
	valid := FormatAPIKey(testSecret, testSecretID, nonce)
	otherID := strings.Repeat("f", 32)

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "valid", key: valid},
		{name: "wrong secret", key: FormatAPIKey([]byte("other"), testSecretID, nonce), wantErr: ErrInvalidKey},
		{name: "unknown secret id", key: FormatAPIKey(testSecret, otherID, nonce), wantErr: ErrUnknownKey},
		{name: "tampered nonce", key: strings.Replace(valid, nonce, strings.Repeat("cd", 16), 1), wantErr: ErrInvalidKey},
		{name: "bad prefix", key: "tk" + valid[2:], wantErr: ErrInvalidKeyFormat},
		{name: "uppercase hex", key: strings.ToUpper(valid), wantErr: ErrInvalidKeyFormat},
		{name: "truncated", key: valid[:len(valid)-1], wantErr: ErrInvalidKeyFormat},
		{name: "empty", key: "", wantErr: ErrInvalidKeyFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Authenticate(tt.key)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v, want nil", err)
			}
			if got != testSecretID {
				t.Errorf("Authenticate() = %q, want %q", got, testSecretID)
			}
		})
	}
}

func TestUnaryInterceptor(t *testing.T) {
	a := newTestAuthenticator(t)
	interceptor := a.UnaryInterceptor()
	key, err := GenerateAPIKey(testSecret, testSecretID)
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	var seenID string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seenID = SecretIDFromContext(ctx)
		return "ok", nil
	}
	admin := &grpc.UnaryServerInfo{FullMethod: "/attributor.admin.v1.Admin/RunAttribution"}

	tests := []struct {
		name     string
		ctx      context.Context
		info     *grpc.UnaryServerInfo
		wantCode codes.Code
		wantID   string
	}{
		{name: "no metadata", ctx: context.Background(), info: admin, wantCode: codes.Unauthenticated},
		{name: "missing key", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs()), info: admin, wantCode: codes.Unauthenticated},
		{name: "bad key", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "nope")), info: admin, wantCode: codes.Unauthenticated},
		{name: "valid key", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", key)), info: admin, wantCode: codes.OK, wantID: testSecretID},
		{name: "health exempt", ctx: context.Background(), info: &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, wantCode: codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenID = ""
			_, err := interceptor(tt.ctx, nil, tt.info, handler)
			if got := status.Code(err); got != tt.wantCode {
				t.Fatalf("interceptor code = %v, want %v (err = %v)", got, tt.wantCode, err)
			}
			if seenID != tt.wantID {
				t.Errorf("SecretIDFromContext() = %q, want %q", seenID, tt.wantID)
			}
		})
	}
}
