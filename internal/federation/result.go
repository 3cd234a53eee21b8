// ABOUTME: Discriminated login result received over the out-of-band channel
// ABOUTME: Decodes the provider's single inbound message into Success or Failure

package federation

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/perihelion-labs/principal-gateway/internal/identity"
	"github.com/perihelion-labs/principal-gateway/internal/store"
)

// UserAttributes are the profile fields a provider reports on a successful
// login, used to create the local user on first federation.
type UserAttributes struct {
	Nickname     string
	Email        string
	FullName     string
	Picture      string
	RemoteGroups []store.RemoteGroup
}

// Profile converts the attributes to the stored user profile.
func (u *UserAttributes) Profile() *store.UserProfile {
	return &store.UserProfile{
		Nickname: u.Nickname,
		Email:    u.Email,
		FullName: u.FullName,
		Picture:  u.Picture,
	}
}

// LoginResult is the outcome of one federation handshake. Exactly two arms
// exist: LoginSuccess and LoginFailure. Callers match exhaustively.
type LoginResult interface {
	loginResult()
}

// LoginSuccess carries the authority-signed principal and the user's
// provider-side profile.
type LoginSuccess struct {
	Provider   string
	ID         string
	Signature  []byte
	Attributes UserAttributes
}

func (LoginSuccess) loginResult() {}

// Principal returns the federated principal attested by the authority.
func (s LoginSuccess) Principal() FederatedPrincipal {
	return FederatedPrincipal{Scope: s.Provider, ID: s.ID, Signature: s.Signature}
}

// LoginFailure carries the provider's error payload.
type LoginFailure struct {
	Provider    string
	Code        string
	Type        string
	Description string
	MoreInfo    string
}

func (LoginFailure) loginResult() {}

// Err translates the failure into the error raised to callers, carrying
// every field the provider supplied.
func (f LoginFailure) Err() *identity.ProviderError {
	return &identity.ProviderError{
		Provider:    f.Provider,
		Code:        f.Code,
		Type:        f.Type,
		Description: f.Description,
		MoreInfo:    f.MoreInfo,
	}
}

// wire layout of the inbound message. The kind field discriminates; the
// remaining fields belong to one arm or the other.
type wireResult struct {
	Kind      string `json:"kind"`
	Provider  string `json:"provider"`
	ID        string `json:"id"`
	Signature string `json:"signature"`
	Nickname  string `json:"nickName"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Picture   string `json:"picture"`

	RemoteGroups []wireGroup `json:"remoteGroups"`

	Code        string `json:"code"`
	Type        string `json:"type"`
	Description string `json:"description"`
	MoreInfo    string `json:"moreInfo"`
}

type wireGroup struct {
	GroupID     string   `json:"groupId"`
	GroupName   string   `json:"groupName"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
	Write       bool     `json:"write"`
}

const (
	wireKindSuccess = "success"
	wireKindError   = "error"
)

// ParseLoginResult decodes the single message received over the out-of-band
// channel into its tagged form.
func ParseLoginResult(data []byte) (LoginResult, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing login result: %w", err)
	}

	switch w.Kind {
	case wireKindSuccess:
		sig, err := base64.StdEncoding.DecodeString(w.Signature)
		if err != nil {
			return nil, fmt.Errorf("parsing login result signature: %w", err)
		}
		groups := make([]store.RemoteGroup, 0, len(w.RemoteGroups))
		for _, g := range w.RemoteGroups {
			groups = append(groups, store.RemoteGroup{
				GroupID:     g.GroupID,
				GroupName:   g.GroupName,
				Description: g.Description,
				Members:     g.Members,
				Write:       g.Write,
			})
		}
		return LoginSuccess{
			Provider:  w.Provider,
			ID:        w.ID,
			Signature: sig,
			Attributes: UserAttributes{
				Nickname:     w.Nickname,
				Email:        w.Email,
				FullName:     w.FullName,
				Picture:      w.Picture,
				RemoteGroups: groups,
			},
		}, nil
	case wireKindError:
		return LoginFailure{
			Provider:    w.Provider,
			Code:        w.Code,
			Type:        w.Type,
			Description: w.Description,
			MoreInfo:    w.MoreInfo,
		}, nil
	default:
		return nil, fmt.Errorf("parsing login result: unknown kind %q", w.Kind)
	}
}
