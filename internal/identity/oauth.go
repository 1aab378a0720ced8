package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/suPer8Hu/portfolio-chat/internal/auth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// OAuthProfile is what an external provider vouches for after a successful
// code exchange.
type OAuthProfile struct {
	Email         string
	Name          string
	EmailVerified bool
}

// OAuthExchanger runs the authorization-code flow of one provider.
type OAuthExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (OAuthProfile, error)
}

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

type GoogleOAuth struct {
	conf        *oauth2.Config
	userInfoURL string
}

func NewGoogleOAuth(clientID, clientSecret, redirectURL string) *GoogleOAuth {
	return &GoogleOAuth{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoints.Google,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: googleUserInfoURL,
	}
}

func (g *GoogleOAuth) AuthCodeURL(state string) string {
	return g.conf.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (g *GoogleOAuth) Exchange(ctx context.Context, code string) (OAuthProfile, error) {
	tok, err := g.conf.Exchange(ctx, code)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: exchange: %v", ErrOAuthRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	resp, err := g.conf.Client(ctx, tok).Do(req)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: userinfo: %v", ErrUnknown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return OAuthProfile{}, fmt.Errorf("%w: userinfo status %d", ErrOAuthRejected, resp.StatusCode)
	}

	var info struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return OAuthProfile{}, fmt.Errorf("%w: userinfo decode: %v", ErrUnknown, err)
	}
	return OAuthProfile{Email: info.Email, Name: info.Name, EmailVerified: info.EmailVerified}, nil
}

// SignInOAuth signs in the account that owns the provider-verified e-mail,
// creating a role-less one on first use. The new account has no password;
// the role is picked later through CompleteProfile.
func (p *Provider) SignInOAuth(ctx context.Context, prof OAuthProfile) (Identity, string, error) {
	email := normalizeEmail(prof.Email)
	if email == "" || !prof.EmailVerified {
		return Identity{}, "", fmt.Errorf("%w: e-mail not verified", ErrOAuthRejected)
	}

	id, err := p.LookupByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		name := strings.TrimSpace(prof.Name)
		if name == "" {
			name, _, _ = strings.Cut(email, "@")
		}
		u, cerr := p.createUser(ctx, email, name, "", nil)
		switch {
		case cerr == nil:
			log.Printf("[identity] oauth account created id=%s", u.ID)
			id, err = FromUser(u)
		case errors.Is(cerr, ErrEmailInUse):
			// a concurrent first sign-in created it
			id, err = p.LookupByEmail(ctx, email)
		default:
			return Identity{}, "", cerr
		}
	}
	if err != nil {
		if errors.Is(err, ErrUnknown) {
			return Identity{}, "", err
		}
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnknown, err)
	}

	tok, err := auth.SignJWT(id.ID, p.secret, p.ttl)
	if err != nil {
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return id, tok, nil
}
