// Package identity implements wallet-based identity binding: associating a
// wallet address with a profile and authenticating callers by signed
// challenge instead of password.
//
// Identity resolution is uniform: every caller goes through the binding
// table, with no per-user special cases.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/record-access-backend/interfaces"
)

// challengePrefix marks messages issued by this service. Signatures over
// arbitrary text never authenticate.
const challengePrefix = "carevault-login"

// DefaultChallengeMaxAge bounds how old a signed challenge may be.
const DefaultChallengeMaxAge = 5 * time.Minute

// Service owns wallet bindings and challenge authentication.
type Service struct {
	bindings        interfaces.BindingStore
	verifier        interfaces.SignatureVerifier
	challengeMaxAge time.Duration
	log             *slog.Logger
}

// NewService creates an identity service. A non-positive challengeMaxAge
// falls back to DefaultChallengeMaxAge.
func NewService(bindings interfaces.BindingStore, verifier interfaces.SignatureVerifier, challengeMaxAge time.Duration, log *slog.Logger) *Service {
	if challengeMaxAge <= 0 {
		challengeMaxAge = DefaultChallengeMaxAge
	}
	return &Service{
		bindings:        bindings,
		verifier:        verifier,
		challengeMaxAge: challengeMaxAge,
		log:             log,
	}
}

// BindWallet associates a wallet address with a profile.
//
// Addresses are normalized to lowercase before storage and lookup, so
// comparison is case-insensitive. Binding an address already bound to a
// different profile fails with ErrConflict; re-binding the identical pair is
// a no-op.
func (s *Service) BindWallet(ctx context.Context, profileID uuid.UUID, walletAddress string) (*interfaces.IdentityBinding, error) {
	if profileID == uuid.Nil {
		return nil, fmt.Errorf("%w: profile ID is required", interfaces.ErrValidation)
	}

	address, err := interfaces.NewWalletAddress(walletAddress)
	if err != nil {
		return nil, err
	}

	binding := &interfaces.IdentityBinding{
		ProfileID:     profileID,
		WalletAddress: address,
		BoundAt:       time.Now().UTC(),
	}

	if err := s.bindings.InsertBinding(ctx, binding); err != nil {
		return nil, err
	}

	s.log.Info("Wallet bound",
		slog.String("profile_id", profileID.String()),
		slog.String("wallet_address", address.String()))

	return binding, nil
}

// Challenge issues a fresh login challenge for the wallet to sign. The
// message embeds a random nonce and an RFC3339 timestamp; the timestamp is
// the freshness element checked during authentication.
func (s *Service) Challenge(now time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate challenge nonce: %w", err)
	}

	return fmt.Sprintf("%s:%s:%s", challengePrefix, hex.EncodeToString(nonce), now.UTC().Format(time.RFC3339)), nil
}

// AuthenticateByWallet resolves a wallet signature over a challenge to the
// bound profile.
//
// The challenge must have been issued by this service and be younger than the
// configured max age; stale or malformed challenges fail with
// ErrInvalidSignature. Signature verification is delegated to the configured
// verifier. An address with no binding fails with ErrNoSuchBinding.
func (s *Service) AuthenticateByWallet(ctx context.Context, walletAddress string, signature []byte, challenge string, now time.Time) (uuid.UUID, error) {
	address, err := interfaces.NewWalletAddress(walletAddress)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.checkChallengeFreshness(challenge, now); err != nil {
		return uuid.Nil, err
	}

	ok, err := s.verifier.Verify(address, []byte(challenge), signature)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidSignature, err)
	}
	if !ok {
		s.log.Warn("Signature verification failed",
			slog.String("wallet_address", address.String()))
		return uuid.Nil, interfaces.ErrInvalidSignature
	}

	binding, err := s.bindings.GetBindingByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return uuid.Nil, interfaces.ErrNoSuchBinding
		}
		return uuid.Nil, fmt.Errorf("failed to resolve binding: %w", err)
	}

	s.log.Info("Wallet authenticated",
		slog.String("wallet_address", address.String()),
		slog.String("profile_id", binding.ProfileID.String()))

	return binding.ProfileID, nil
}

// ResolveProfile returns the binding for a profile, or ErrNotFound if the
// profile has no bound wallet.
func (s *Service) ResolveProfile(ctx context.Context, profileID uuid.UUID) (*interfaces.IdentityBinding, error) {
	return s.bindings.GetBindingByProfile(ctx, profileID)
}

// checkChallengeFreshness validates the challenge shape and its embedded
// timestamp against the max-age policy.
func (s *Service) checkChallengeFreshness(challenge string, now time.Time) error {
	parts := strings.SplitN(challenge, ":", 3)
	if len(parts) != 3 || parts[0] != challengePrefix {
		return fmt.Errorf("%w: malformed challenge", interfaces.ErrInvalidSignature)
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return fmt.Errorf("%w: malformed challenge nonce", interfaces.ErrInvalidSignature)
	}

	issuedAt, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return fmt.Errorf("%w: malformed challenge timestamp", interfaces.ErrInvalidSignature)
	}

	age := now.Sub(issuedAt)
	if age < 0 || age > s.challengeMaxAge {
		return fmt.Errorf("%w: stale challenge", interfaces.ErrInvalidSignature)
	}
	return nil
}
