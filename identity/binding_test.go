package identity

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/tablestore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(tablestore.NewMemoryStore(), &EthereumVerifier{}, DefaultChallengeMaxAge, logger)
}

func newTestWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// signChallenge produces a personal-sign signature the way wallet software
// does, including the +27 recovery offset.
func signChallenge(t *testing.T, key *ecdsa.PrivateKey, challenge string) []byte {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(challenge)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

func TestBindWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	profileID := uuid.New()
	_, address := newTestWallet(t)

	binding, err := svc.BindWallet(ctx, profileID, address)
	require.NoError(t, err)
	assert.Equal(t, profileID, binding.ProfileID)
	assert.Equal(t, strings.ToLower(address), binding.WalletAddress.String())

	// Re-binding the identical pair is a no-op regardless of address casing.
	_, err = svc.BindWallet(ctx, profileID, strings.ToUpper(strings.TrimPrefix(address, "0x")))
	require.NoError(t, err)

	// Binding the address to a different profile conflicts.
	_, err = svc.BindWallet(ctx, uuid.New(), address)
	assert.ErrorIs(t, err, interfaces.ErrConflict)
}

func TestBindWallet_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.BindWallet(ctx, uuid.Nil, "0x0000000000000000000000000000000000000001")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = svc.BindWallet(ctx, uuid.New(), "not-an-address")
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestAuthenticateByWallet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	profileID := uuid.New()
	key, address := newTestWallet(t)

	_, err := svc.BindWallet(ctx, profileID, address)
	require.NoError(t, err)

	now := time.Now()
	challenge, err := svc.Challenge(now)
	require.NoError(t, err)
	sig := signChallenge(t, key, challenge)

	got, err := svc.AuthenticateByWallet(ctx, address, sig, challenge, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, profileID, got)

	// Casing of the presented address does not matter.
	got, err = svc.AuthenticateByWallet(ctx, strings.ToUpper(strings.TrimPrefix(address, "0x")), sig, challenge, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, profileID, got)
}

func TestAuthenticateByWallet_WrongKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, address := newTestWallet(t)
	otherKey, _ := newTestWallet(t)

	_, err := svc.BindWallet(ctx, uuid.New(), address)
	require.NoError(t, err)

	now := time.Now()
	challenge, err := svc.Challenge(now)
	require.NoError(t, err)

	// Signature by a different key never authenticates the address.
	sig := signChallenge(t, otherKey, challenge)
	_, err = svc.AuthenticateByWallet(ctx, address, sig, challenge, now)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	// Neither does a signature over a different message.
	otherChallenge, err := svc.Challenge(now)
	require.NoError(t, err)
	sig = signChallenge(t, otherKey, otherChallenge)
	_, err = svc.AuthenticateByWallet(ctx, address, sig, challenge, now)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)
}

func TestAuthenticateByWallet_NoBinding(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, address := newTestWallet(t)

	now := time.Now()
	challenge, err := svc.Challenge(now)
	require.NoError(t, err)
	sig := signChallenge(t, key, challenge)

	// A valid signature over an unbound address resolves to no profile.
	_, err = svc.AuthenticateByWallet(ctx, address, sig, challenge, now)
	assert.ErrorIs(t, err, interfaces.ErrNoSuchBinding)
}

func TestAuthenticateByWallet_ChallengeFreshness(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, address := newTestWallet(t)
	_, err := svc.BindWallet(ctx, uuid.New(), address)
	require.NoError(t, err)

	issuedAt := time.Now()
	challenge, err := svc.Challenge(issuedAt)
	require.NoError(t, err)
	sig := signChallenge(t, key, challenge)

	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{name: "fresh", now: issuedAt.Add(time.Minute), ok: true},
		{name: "at max age", now: issuedAt.Add(DefaultChallengeMaxAge), ok: true},
		{name: "stale", now: issuedAt.Add(DefaultChallengeMaxAge + time.Minute), ok: false},
		{name: "from the future", now: issuedAt.Add(-time.Minute), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AuthenticateByWallet(ctx, address, sig, challenge, tt.now)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)
			}
		})
	}
}

func TestAuthenticateByWallet_MalformedChallenge(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, address := newTestWallet(t)
	_, err := svc.BindWallet(ctx, uuid.New(), address)
	require.NoError(t, err)

	now := time.Now()
	challenges := []string{
		"",
		"free-form text the wallet was tricked into signing",
		fmt.Sprintf("other-service:00ff:%s", now.UTC().Format(time.RFC3339)),
		fmt.Sprintf("carevault-login:zzzz:%s", now.UTC().Format(time.RFC3339)),
		"carevault-login:00ff:yesterday",
	}

	for _, challenge := range challenges {
		sig := signChallenge(t, key, challenge)
		_, err := svc.AuthenticateByWallet(ctx, address, sig, challenge, now)
		assert.ErrorIs(t, err, interfaces.ErrInvalidSignature, "challenge %q must not authenticate", challenge)
	}
}

func TestChallenge_Shape(t *testing.T) {
	svc := newTestService(t)

	now := time.Now()
	a, err := svc.Challenge(now)
	require.NoError(t, err)
	b, err := svc.Challenge(now)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "nonces must differ between challenges")
	assert.True(t, strings.HasPrefix(a, "carevault-login:"))

	parts := strings.SplitN(a, ":", 3)
	require.Len(t, parts, 3)
	_, err = time.Parse(time.RFC3339, parts[2])
	assert.NoError(t, err)
}

func TestResolveProfile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	profileID := uuid.New()
	_, address := newTestWallet(t)

	_, err := svc.ResolveProfile(ctx, profileID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = svc.BindWallet(ctx, profileID, address)
	require.NoError(t, err)

	binding, err := svc.ResolveProfile(ctx, profileID)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(address), binding.WalletAddress.String())
}

func TestEthereumVerifier_MalformedSignature(t *testing.T) {
	verifier := &EthereumVerifier{}

	address, err := interfaces.NewWalletAddress("0x0000000000000000000000000000000000000001")
	require.NoError(t, err)

	_, err = verifier.Verify(address, []byte("message"), []byte("too short"))
	assert.Error(t, err)
}
