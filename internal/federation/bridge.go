// ABOUTME: Federation bridge: provider directory, login addresses, token exchange
// ABOUTME: Converts authority-attested external principals into local signed tokens

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perihelion-labs/principal-gateway/internal/authn"
	"github.com/perihelion-labs/principal-gateway/internal/crypto"
	"github.com/perihelion-labs/principal-gateway/internal/identity"
	"github.com/perihelion-labs/principal-gateway/internal/store"
)

// FederatedPrincipal is an external identity attested by the federation
// authority: the authority signs "{scope}:{id}" with its private key.
type FederatedPrincipal struct {
	Scope     string
	ID        string
	Signature []byte
}

// Addresses are the endpoints a caller needs to run a provider login: the
// out-of-band socket this process reads the result from, and the address to
// open in the user's agent.
type Addresses struct {
	Socket   string
	Redirect string
}

// Options configures a Bridge.
type Options struct {
	// DirectoryURL is the remote endpoint reporting provider availability.
	DirectoryURL string
	// GatewayBaseURL is the federation gateway's base address, used to
	// compute socket and redirect addresses.
	GatewayBaseURL string
	// RequiredEmailDomain, when set, rejects federated logins whose profile
	// email is outside the domain before any user is created.
	RequiredEmailDomain string
	// HandshakeTimeout bounds the wait for the out-of-band result when the
	// caller's context carries no deadline.
	HandshakeTimeout time.Duration
	// HTTPClient overrides the directory client, mainly for tests.
	HTTPClient *http.Client
}

// Bridge drives external-provider logins. It relays addresses and verifies
// the authority's attestations; it never speaks provider-specific protocols.
type Bridge struct {
	repo             store.Repository
	server           *crypto.SigningAuthority
	authority        *crypto.VerifyingAuthority
	directoryURL     string
	gatewayBaseURL   string
	requiredDomain   string
	handshakeTimeout time.Duration
	httpClient       *http.Client
	logger           *slog.Logger
}

// NewBridge creates a federation bridge. The server authority signs minted
// tokens; the verifying authority checks provider attestations. The two keys
// are never interchangeable.
func NewBridge(repo store.Repository, server *crypto.SigningAuthority, authority *crypto.VerifyingAuthority, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Bridge{
		repo:             repo,
		server:           server,
		authority:        authority,
		directoryURL:     strings.TrimRight(opts.DirectoryURL, "/"),
		gatewayBaseURL:   strings.TrimRight(opts.GatewayBaseURL, "/"),
		requiredDomain:   strings.ToLower(opts.RequiredEmailDomain),
		handshakeTimeout: opts.HandshakeTimeout,
		httpClient:       client,
		logger:           logger.With("component", "federation"),
	}
}

// Providers returns the availability of every known provider. The local
// username/password realm is always available; the remainder is queried from
// the remote directory on every call.
func (b *Bridge) Providers(ctx context.Context) (map[string]bool, error) {
	providers := map[string]bool{authn.Scope: true}
	if b.directoryURL == "" {
		return providers, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.directoryURL+"/providers", nil)
	if err != nil {
		return nil, fmt.Errorf("building directory request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying provider directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider directory returned %s", resp.Status)
	}

	var remote map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return nil, fmt.Errorf("decoding provider directory response: %w", err)
	}
	for name, available := range remote {
		providers[name] = available
	}
	return providers, nil
}

// Available reports whether one provider can be used right now. Directory
// failures read as unavailable.
func (b *Bridge) Available(ctx context.Context, name string) bool {
	if name == authn.Scope {
		return true
	}
	providers, err := b.Providers(ctx)
	if err != nil {
		b.logger.Warn("provider directory unreachable", "provider", name, "error", err)
		return false
	}
	return providers[name]
}

// ComputeAddresses returns the socket and redirect addresses for a provider
// login. The local realm and unrecognized providers have none. An empty
// correlation id is replaced with a fresh one.
func (b *Bridge) ComputeAddresses(ctx context.Context, provider, correlationID string) (*Addresses, error) {
	if provider == authn.Scope {
		return nil, nil
	}

	providers, err := b.Providers(ctx)
	if err != nil {
		return nil, err
	}
	if !providers[provider] {
		return nil, nil
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	socket := b.gatewayBaseURL + "/api/login/" + url.PathEscape(provider) + "/socket/" + url.PathEscape(correlationID)
	if strings.HasPrefix(socket, "https://") {
		socket = "wss://" + strings.TrimPrefix(socket, "https://")
	} else if strings.HasPrefix(socket, "http://") {
		socket = "ws://" + strings.TrimPrefix(socket, "http://")
	}

	return &Addresses{
		Socket:   socket,
		Redirect: b.gatewayBaseURL + "/login/" + url.PathEscape(provider) + "?id=" + url.QueryEscape(correlationID),
	}, nil
}

// CompleteLogin turns a handshake result into a signed local token,
// raising the provider's error payload for the failure arm.
func (b *Bridge) CompleteLogin(ctx context.Context, result LoginResult) (*identity.SignedPrincipal, error) {
	switch r := result.(type) {
	case LoginSuccess:
		return b.AuthToken(ctx, r.Principal(), &r.Attributes)
	case LoginFailure:
		return nil, r.Err()
	default:
		return nil, fmt.Errorf("unsupported login result %T", result)
	}
}

// AuthToken verifies an authority-attested principal and mints a local
// signed token, creating the user and reconciling remote groups on first
// login. The domain restriction applies before any lookup or user creation,
// and again against the stored email on every returning login.
func (b *Bridge) AuthToken(ctx context.Context, principal FederatedPrincipal, attrs *UserAttributes) (*identity.SignedPrincipal, error) {
	if b.requiredDomain != "" && attrs != nil && !emailInDomain(attrs.Email, b.requiredDomain) {
		b.logger.Warn("federated login outside required domain",
			"provider", principal.Scope, "domain", b.requiredDomain)
		return nil, fmt.Errorf("%w: email domain not allowed", identity.ErrVerification)
	}

	attested := identity.Principal{Scope: principal.Scope, ID: principal.ID}
	if !b.authority.Verify(attested.AttestationPayload(), principal.Signature) {
		b.logger.Warn("authority attestation rejected", "provider", principal.Scope)
		return nil, fmt.Errorf("%w: authority signature mismatch", identity.ErrVerification)
	}

	var signed *identity.SignedPrincipal
	err := b.repo.WithTx(ctx, func(r store.Repository) error {
		userID, err := r.FindUserID(ctx, principal.Scope, principal.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if attrs == nil {
				return identity.ErrProfileRequired
			}
			userID, err = r.CreateUser(ctx, principal.Scope, principal.ID, attrs.Profile())
			if err != nil {
				return fmt.Errorf("creating federated user: %w", err)
			}
			b.logger.Info("federated user created",
				"provider", principal.Scope, "user_id", userID)
		case err != nil:
			return fmt.Errorf("resolving federated principal: %w", err)
		default:
			// Returning users are re-checked against their stored email, so
			// tightening the domain after the fact locks out users whose
			// recorded address no longer qualifies. A user with no recorded
			// email cannot prove the domain and is rejected too.
			if b.requiredDomain != "" {
				email, err := r.UserEmail(ctx, userID)
				if err != nil {
					return fmt.Errorf("reading stored email: %w", err)
				}
				if !emailInDomain(email, b.requiredDomain) {
					b.logger.Warn("stored email outside required domain",
						"provider", principal.Scope, "user_id", userID, "domain", b.requiredDomain)
					return fmt.Errorf("%w: email domain not allowed", identity.ErrVerification)
				}
			}
		}

		if attrs != nil && len(attrs.RemoteGroups) > 0 {
			if err := reconcileGroups(ctx, r, principal.Scope, userID, attrs.Nickname, attrs.RemoteGroups); err != nil {
				return fmt.Errorf("reconciling remote groups: %w", err)
			}
		}

		resolved := identity.ResolvedPrincipal{Principal: attested, UserID: userID}
		signed = &identity.SignedPrincipal{
			ResolvedPrincipal: resolved,
			Signature:         b.server.Sign(resolved.SignaturePayload()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return signed, nil
}

// emailInDomain reports whether an email address belongs to the domain.
func emailInDomain(email, domain string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	return strings.ToLower(email[at+1:]) == domain
}
