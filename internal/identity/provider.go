package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/portfolio-chat/internal/auth"
	"github.com/suPer8Hu/portfolio-chat/internal/models"
	"github.com/suPer8Hu/portfolio-chat/internal/store/redisstore"
	"gorm.io/gorm"
)

// Provider is the identity provider: accounts, tokens and the auth-state
// stream. Profiles live in the users table; sign-out markers and state
// changes go through the realtime store so every instance sees them.
type Provider struct {
	db     *gorm.DB
	rt     *redisstore.Store
	secret string
	ttl    time.Duration
}

func NewProvider(db *gorm.DB, rt *redisstore.Store, secret string, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Provider{db: db, rt: rt, secret: secret, ttl: ttl}
}

func authTopic(id string) string   { return "auth/" + id }
func sessionPath(id string) string { return "sessions/" + id }

// Session is a resolved token.
type Session struct {
	Identity Identity
	IssuedAt time.Time
}

type SignUpInput struct {
	Email    string
	Password string
	Name     string
	// Details may be nil; the role is then chosen at profile completion.
	Details Details
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *Provider) SignUp(ctx context.Context, in SignUpInput) (Identity, string, error) {
	email := normalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	if email == "" || in.Password == "" || name == "" {
		return Identity{}, "", ErrInvalidProfile
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Identity{}, "", fmt.Errorf("%w: bad email", ErrInvalidProfile)
	}
	if _, ok := in.Details.(Admin); ok {
		return Identity{}, "", fmt.Errorf("%w: admin cannot self-register", ErrInvalidProfile)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	u, err := p.createUser(ctx, email, name, hash, in.Details)
	if err != nil {
		return Identity{}, "", err
	}

	id, err := FromUser(u)
	if err != nil {
		return Identity{}, "", err
	}
	tok, err := auth.SignJWT(u.ID, p.secret, p.ttl)
	if err != nil {
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return id, tok, nil
}

// createUser inserts a new account row. hash may be empty for accounts that
// only sign in through an external provider.
func (p *Provider) createUser(ctx context.Context, email, name, hash string, d Details) (models.User, error) {
	if p.emailTaken(ctx, email) {
		return models.User{}, ErrEmailInUse
	}
	role, company, project := columns(d)
	u := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  name,
		PasswordHash: hash,
		Role:         role,
		Company:      company,
		Project:      project,
	}
	if err := p.db.WithContext(ctx).Create(&u).Error; err != nil {
		// lost a race on the unique email index
		if p.emailTaken(ctx, email) {
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return u, nil
}

func (p *Provider) emailTaken(ctx context.Context, email string) bool {
	var cnt int64
	err := p.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&cnt).Error
	return err == nil && cnt > 0
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (Identity, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Identity{}, "", ErrInvalidCredentials
	}
	var u models.User
	if err := p.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, "", ErrInvalidCredentials
		}
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return Identity{}, "", ErrInvalidCredentials
	}
	id, err := FromUser(u)
	if err != nil {
		return Identity{}, "", err
	}
	tok, err := auth.SignJWT(u.ID, p.secret, p.ttl)
	if err != nil {
		return Identity{}, "", fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return id, tok, nil
}

// revocation marks every token issued at or before RevokedAt (unix ms).
type revocation struct {
	RevokedAt int64 `json:"revokedAt"`
}

// SignOut invalidates every token issued before now and tells live
// sessions of id that the identity is gone.
func (p *Provider) SignOut(ctx context.Context, id string) error {
	if err := p.rt.Set(ctx, sessionPath(id), revocation{RevokedAt: time.Now().UnixMilli()}); err != nil {
		return err
	}
	return p.rt.Notify(ctx, authTopic(id))
}

func (p *Provider) revoked(ctx context.Context, id string, issuedAt time.Time) (bool, error) {
	var r revocation
	ok, err := p.rt.Get(ctx, sessionPath(id), &r)
	if err != nil || !ok {
		return false, err
	}
	return issuedAt.UnixMilli() <= r.RevokedAt, nil
}

// Authenticate resolves a bearer token into the current identity.
func (p *Provider) Authenticate(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseJWT(token, p.secret)
	if err != nil {
		return Session{}, ErrUnauthenticated
	}
	revoked, err := p.revoked(ctx, claims.UserID, claims.IssuedTime())
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if revoked {
		return Session{}, ErrUnauthenticated
	}
	id, err := p.Lookup(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrUnauthenticated
		}
		return Session{}, err
	}
	return Session{Identity: id, IssuedAt: claims.IssuedTime()}, nil
}

func (p *Provider) Lookup(ctx context.Context, id string) (Identity, error) {
	var u models.User
	if err := p.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, err
	}
	return FromUser(u)
}

func (p *Provider) LookupByEmail(ctx context.Context, email string) (Identity, error) {
	var u models.User
	if err := p.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, err
	}
	return FromUser(u)
}

// CompleteProfile sets name, role and the role's detail once. Admin cannot
// be chosen here; it is granted by SeedPrimary only.
func (p *Provider) CompleteProfile(ctx context.Context, id, name string, d Details) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" || d == nil {
		return Identity{}, ErrInvalidProfile
	}
	if _, ok := d.(Admin); ok {
		return Identity{}, fmt.Errorf("%w: admin cannot be self-assigned", ErrInvalidProfile)
	}
	if err := p.setDetails(ctx, id, name, d); err != nil {
		return Identity{}, err
	}
	return p.Lookup(ctx, id)
}

func (p *Provider) setDetails(ctx context.Context, id, name string, d Details) error {
	role, company, project := columns(d)
	res := p.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND role = ?", id, "").
		Updates(map[string]any{
			"display_name": name,
			"role":         role,
			"company":      company,
			"project":      project,
		})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := p.Lookup(ctx, id); err != nil {
			return err
		}
		return ErrProfileComplete
	}
	if err := p.rt.Notify(ctx, authTopic(id)); err != nil {
		log.Printf("[identity] notify profile change id=%s err=%v", id, err)
	}
	return nil
}

// SeedPrimary creates the site owner account with the admin role. It is an
// operator action run at startup; it returns the existing owner when the
// account was seeded before and refuses an e-mail that belongs to anyone
// else, so a visitor who registered the owner's address first is never
// promoted.
func (p *Provider) SeedPrimary(ctx context.Context, email, name, password string) (Identity, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || password == "" || name == "" {
		return Identity{}, ErrInvalidProfile
	}
	if id, err := p.ResolvePrimary(ctx, email); !errors.Is(err, ErrNotFound) {
		return id, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	u, err := p.createUser(ctx, email, name, hash, Admin{})
	if err != nil {
		if errors.Is(err, ErrEmailInUse) {
			// someone registered it between the lookup and the insert
			return p.ResolvePrimary(ctx, email)
		}
		return Identity{}, err
	}
	log.Printf("[identity] seeded primary identity id=%s", u.ID)
	return FromUser(u)
}

// ResolvePrimary finds the site owner by e-mail. Only an account that
// already holds the admin role qualifies; roles are never changed here.
func (p *Provider) ResolvePrimary(ctx context.Context, email string) (Identity, error) {
	id, err := p.LookupByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, fmt.Errorf("primary identity %q: %w", email, err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	if !id.IsPrimary() {
		return Identity{}, fmt.Errorf("primary identity %q is not an admin account (role %q): %w", email, id.Role(), ErrInvalidProfile)
	}
	return id, nil
}

// State is one element of the auth-state stream. A nil Identity means
// signed out.
type State struct {
	Identity *Identity
}

// Watch streams the auth state of a session: the current identity right
// away, then again after every profile change or sign-out.
func (p *Provider) Watch(ctx context.Context, s Session, fn func(State)) (*redisstore.Subscription, error) {
	uid := s.Identity.ID
	return p.rt.Watch(ctx, authTopic(uid), func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		revoked, err := p.revoked(cctx, uid, s.IssuedAt)
		if err != nil {
			log.Printf("[identity] watch revoked id=%s err=%v", uid, err)
			return
		}
		if revoked {
			fn(State{})
			return
		}
		id, err := p.Lookup(cctx, uid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				fn(State{})
				return
			}
			log.Printf("[identity] watch lookup id=%s err=%v", uid, err)
			return
		}
		fn(State{Identity: &id})
	})
}
