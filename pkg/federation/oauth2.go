package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/opsmaint/authcore/pkg/roles"
)

// DoneFunc completes a verify callback: either an error or a normalized
// identity, never both.
type DoneFunc func(err error, id *Identity)

// OAuthCallbackArgs is the normalized shape of an OAuth2 verify
// callback regardless of how many positional arguments the provider
// integration passed.
type OAuthCallbackArgs struct {
	AccessToken  string
	RefreshToken string
	Params       map[string]interface{} // nil when the provider sent no extra token params
	Profile      map[string]interface{}
	Done         DoneFunc
}

// NormalizeOAuthArgs accepts the raw positional arguments of an OAuth2
// verify callback and normalizes them. Providers invoke the callback
// with either five or six arguments: the sixth appears only when the
// token response carried extra parameters. The completion callback is
// always last and the profile immediately before it, so arity is
// detected from the tail rather than assumed.
//
// Five arguments:  request, accessToken, refreshToken, profile, done
// Six arguments:   request, accessToken, refreshToken, params, profile, done
func NormalizeOAuthArgs(args []interface{}) (*OAuthCallbackArgs, error) {
	n := len(args)
	if n != 5 && n != 6 {
		return nil, fmt.Errorf("oauth verify callback: unexpected argument count %d", n)
	}
	done, ok := args[n-1].(DoneFunc)
	if !ok {
		if fn, isFn := args[n-1].(func(error, *Identity)); isFn {
			done = fn
		} else {
			return nil, errors.New("oauth verify callback: last argument is not a completion callback")
		}
	}
	profile, ok := args[n-2].(map[string]interface{})
	if !ok {
		return nil, errors.New("oauth verify callback: profile argument has unexpected type")
	}
	out := &OAuthCallbackArgs{
		Profile: profile,
		Done:    done,
	}
	if s, ok := args[1].(string); ok {
		out.AccessToken = s
	}
	if s, ok := args[2].(string); ok {
		out.RefreshToken = s
	}
	if n == 6 {
		params, ok := args[3].(map[string]interface{})
		if !ok {
			return nil, errors.New("oauth verify callback: params argument has unexpected type")
		}
		out.Params = params
	}
	return out, nil
}

// IdentityFromOAuthProfile maps a provider profile to the internal
// identity shape, normalizing whatever role claim came along.
func IdentityFromOAuthProfile(provider string, profile map[string]interface{}) *Identity {
	email := stringClaim(profile, "email")
	if email == "" {
		// Some providers wrap addresses in an "emails" list.
		if list, ok := profile["emails"].([]interface{}); ok && len(list) > 0 {
			if entry, ok := list[0].(map[string]interface{}); ok {
				email = stringClaim(entry, "value")
			} else if s, ok := list[0].(string); ok {
				email = s
			}
		}
	}
	name := stringClaim(profile, "name")
	if name == "" {
		name = stringClaim(profile, "displayName")
	}
	return &Identity{
		Protocol:  ProtocolOAuth2,
		Provider:  provider,
		Subject:   stringClaim(profile, "id"),
		Email:     email,
		Name:      name,
		Roles:     roles.Normalize(groupClaim(profile)),
		RawClaims: profile,
	}
}

// OAuth2Provider performs the redirect-and-exchange flow against a
// plain OAuth2 provider and fetches its userinfo document.
type OAuth2Provider struct {
	Name        string
	Config      *oauth2.Config
	UserInfoURL string
	Timeout     time.Duration

	client *http.Client
}

func NewOAuth2Provider(name string, cfg *oauth2.Config, userInfoURL string, timeout time.Duration) *OAuth2Provider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OAuth2Provider{
		Name:        name,
		Config:      cfg,
		UserInfoURL: userInfoURL,
		Timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
	}
}

// AuthURL returns the provider redirect for the given CSRF state.
func (p *OAuth2Provider) AuthURL(state string) string {
	return p.Config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the authorization code for tokens, fetches the
// userinfo profile and normalizes it. Upstream failures come back as
// ErrProviderUnavailable with the detail preserved for server logs.
func (p *OAuth2Provider) Exchange(ctx context.Context, code string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	token, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return nil, wrapProviderErr("token exchange", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return nil, wrapProviderErr("building userinfo request", err)
	}
	token.SetAuthHeader(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapProviderErr("fetching userinfo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, wrapProviderErr("fetching userinfo", fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, wrapProviderErr("reading userinfo", err)
	}
	var profile map[string]interface{}
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, wrapProviderErr("decoding userinfo", err)
	}

	id := IdentityFromOAuthProfile(p.Name, profile)
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return id, nil
}
