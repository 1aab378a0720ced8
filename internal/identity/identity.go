package identity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/portfolio-chat/internal/models"
)

type Role string

const (
	RoleRecruiter Role = "recruiter"
	RoleClient    Role = "client"
	RoleAdmin     Role = "admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleRecruiter, RoleClient, RoleAdmin:
		return true
	}
	return false
}

// Details is the role-specific half of an identity: exactly one of
// Recruiter, Client or Admin.
type Details interface {
	Role() Role
	isDetails()
}

type Recruiter struct{ Company string }

type Client struct{ Project string }

type Admin struct{}

func (Recruiter) Role() Role { return RoleRecruiter }
func (Client) Role() Role    { return RoleClient }
func (Admin) Role() Role     { return RoleAdmin }

func (Recruiter) isDetails() {}
func (Client) isDetails()    {}
func (Admin) isDetails()     {}

// DetailsFor builds the variant for role. detail is the company for
// recruiters and the project for clients; admins take none.
func DetailsFor(role Role, detail string) (Details, error) {
	detail = strings.TrimSpace(detail)
	switch role {
	case RoleRecruiter:
		return Recruiter{Company: detail}, nil
	case RoleClient:
		return Client{Project: detail}, nil
	case RoleAdmin:
		return Admin{}, nil
	}
	return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidProfile, role)
}

// Identity is an authenticated party. Details is nil until the profile has
// been completed.
type Identity struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	Details     Details
}

func (i Identity) Role() Role {
	if i.Details == nil {
		return ""
	}
	return i.Details.Role()
}

// IsPrimary reports whether this identity is the site owner that every
// other identity is routed to.
func (i Identity) IsPrimary() bool { return i.Role() == RoleAdmin }

func (i Identity) ProfileComplete() bool { return i.Details != nil }

// Profile is the denormalized snapshot other records carry around.
type Profile struct {
	ID          string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (i Identity) Profile() Profile {
	return Profile{ID: i.ID, DisplayName: i.DisplayName, Email: i.Email}
}

func (i Identity) MarshalJSON() ([]byte, error) {
	out := struct {
		ID          string    `json:"uid"`
		DisplayName string    `json:"displayName"`
		Email       string    `json:"email"`
		Role        Role      `json:"userType,omitempty"`
		Company     string    `json:"company,omitempty"`
		Project     string    `json:"project,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
	}{
		ID:          i.ID,
		DisplayName: i.DisplayName,
		Email:       i.Email,
		Role:        i.Role(),
		CreatedAt:   i.CreatedAt,
	}
	switch d := i.Details.(type) {
	case Recruiter:
		out.Company = d.Company
	case Client:
		out.Project = d.Project
	}
	return json.Marshal(out)
}

// FromUser converts a stored row, rejecting rows whose optional fields do
// not match their role.
func FromUser(u models.User) (Identity, error) {
	id := Identity{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		CreatedAt:   u.CreatedAt,
	}
	switch Role(u.Role) {
	case "":
		if u.Company != nil || u.Project != nil {
			return Identity{}, fmt.Errorf("%w: details without role on %s", ErrInvalidProfile, u.ID)
		}
	case RoleRecruiter:
		if u.Project != nil {
			return Identity{}, fmt.Errorf("%w: recruiter %s has a project", ErrInvalidProfile, u.ID)
		}
		id.Details = Recruiter{Company: deref(u.Company)}
	case RoleClient:
		if u.Company != nil {
			return Identity{}, fmt.Errorf("%w: client %s has a company", ErrInvalidProfile, u.ID)
		}
		id.Details = Client{Project: deref(u.Project)}
	case RoleAdmin:
		if u.Company != nil || u.Project != nil {
			return Identity{}, fmt.Errorf("%w: admin %s has details", ErrInvalidProfile, u.ID)
		}
		id.Details = Admin{}
	default:
		return Identity{}, fmt.Errorf("%w: unknown role %q on %s", ErrInvalidProfile, u.Role, u.ID)
	}
	return id, nil
}

// columns is the inverse of FromUser for the role-specific fields.
func columns(d Details) (role string, company, project *string) {
	switch v := d.(type) {
	case Recruiter:
		return string(RoleRecruiter), &v.Company, nil
	case Client:
		return string(RoleClient), nil, &v.Project
	case Admin:
		return string(RoleAdmin), nil, nil
	}
	return "", nil, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
