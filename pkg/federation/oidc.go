package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/opsmaint/authcore/pkg/roles"
)

// OIDCCallbackArgs is the normalized verify callback input for OIDC
// providers.
type OIDCCallbackArgs struct {
	Issuer       string
	Subject      string
	Profile      map[string]interface{}
	Claims       map[string]interface{}
	AccessToken  string
	RefreshToken string
	Params       map[string]interface{}
	Done         DoneFunc
}

// NormalizeOIDCArgs accepts the raw positional arguments of an OIDC
// verify callback. Unlike OAuth2 the arity here is fixed: issuer,
// subject, profile, ID-token claims, access token, refresh token,
// extra params, completion callback. Eight arguments, always.
func NormalizeOIDCArgs(args []interface{}) (*OIDCCallbackArgs, error) {
	if len(args) != 8 {
		return nil, fmt.Errorf("oidc verify callback: expected 8 arguments, got %d", len(args))
	}
	done, ok := args[7].(DoneFunc)
	if !ok {
		if fn, isFn := args[7].(func(error, *Identity)); isFn {
			done = fn
		} else {
			return nil, errors.New("oidc verify callback: last argument is not a completion callback")
		}
	}
	out := &OIDCCallbackArgs{Done: done}
	if s, ok := args[0].(string); ok {
		out.Issuer = s
	}
	if s, ok := args[1].(string); ok {
		out.Subject = s
	}
	if m, ok := args[2].(map[string]interface{}); ok {
		out.Profile = m
	}
	if m, ok := args[3].(map[string]interface{}); ok {
		out.Claims = m
	}
	if s, ok := args[4].(string); ok {
		out.AccessToken = s
	}
	if s, ok := args[5].(string); ok {
		out.RefreshToken = s
	}
	if m, ok := args[6].(map[string]interface{}); ok {
		out.Params = m
	}
	return out, nil
}

// Identity merges the callback's profile and ID-token claims into the
// internal shape. Role claims are looked up in the ID-token claims
// first, then the profile, since providers put groups in either place.
func (a *OIDCCallbackArgs) Identity(provider string) *Identity {
	email := stringClaim(a.Claims, "email")
	if email == "" {
		email = stringClaim(a.Profile, "email")
	}
	name := stringClaim(a.Claims, "name")
	if name == "" {
		name = stringClaim(a.Profile, "name")
	}
	roleClaim := groupClaim(a.Claims)
	if roleClaim == nil {
		roleClaim = groupClaim(a.Profile)
	}
	raw := a.Claims
	if raw == nil {
		raw = a.Profile
	}
	return &Identity{
		Protocol:  ProtocolOIDC,
		Provider:  provider,
		Subject:   a.Subject,
		Email:     email,
		Name:      name,
		Roles:     roles.Normalize(roleClaim),
		RawClaims: raw,
	}
}

// OIDCProvider wraps discovery, code exchange and ID-token verification
// for one configured issuer.
type OIDCProvider struct {
	Name    string
	Issuer  string
	Timeout time.Duration

	config   *oauth2.Config
	verifier *gooidc.IDTokenVerifier
}

// NewOIDCProvider runs discovery against the issuer and prepares the
// verifier. Called once at startup per configured provider.
func NewOIDCProvider(ctx context.Context, name, issuer, clientID, clientSecret, redirectURL string, scopes []string, timeout time.Duration) (*OIDCProvider, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	discCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider, err := gooidc.NewProvider(discCtx, issuer)
	if err != nil {
		return nil, wrapProviderErr("oidc discovery", err)
	}
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	return &OIDCProvider{
		Name:    name,
		Issuer:  issuer,
		Timeout: timeout,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&gooidc.Config{ClientID: clientID}),
	}, nil
}

// AuthURL returns the provider redirect for the given CSRF state.
func (p *OIDCProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange trades the authorization code for tokens and verifies the
// returned ID token before extracting claims.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, wrapProviderErr("token exchange", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, wrapProviderErr("token exchange", errors.New("response missing id_token"))
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, wrapProviderErr("id token verification", err)
	}

	claims := map[string]interface{}{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, wrapProviderErr("decoding id token claims", err)
	}

	args := &OIDCCallbackArgs{
		Issuer:      p.Issuer,
		Subject:     idToken.Subject,
		Claims:      claims,
		AccessToken: token.AccessToken,
	}
	id := args.Identity(p.Name)
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return id, nil
}
