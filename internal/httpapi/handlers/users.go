package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/email"
	"github.com/suPer8Hu/portfolio-chat/internal/identity"
)

type profileFields struct {
	Name     string `json:"name"`
	UserType string `json:"userType"`
	Company  string `json:"company"`
	Project  string `json:"project"`
}

// details returns nil when no role was chosen.
func (f profileFields) details() (identity.Details, error) {
	role := identity.Role(strings.ToLower(strings.TrimSpace(f.UserType)))
	if role == "" {
		return nil, nil
	}
	detail := f.Company
	if role == identity.RoleClient {
		detail = f.Project
	}
	return identity.DetailsFor(role, detail)
}

type signUpReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	profileFields
}

func (h *Handler) SignUp(c *gin.Context) {
	var req signUpReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Email == "" || req.Password == "" || strings.TrimSpace(req.Name) == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email, password and name required")
		return
	}
	d, err := req.details()
	if err != nil {
		failErr(c, err)
		return
	}

	id, token, err := h.Identity.SignUp(c.Request.Context(), identity.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Details:  d,
	})
	if err != nil {
		failErr(c, err)
		return
	}

	// send welcome email
	if h.SMTPSetting.Enabled() {
		go func(to, name string) {
			subject := "Your account is ready"
			body := "Hello " + name + ",\n\n" +
				"Your account has been created. You can now send me a message from the site.\n\n" +
				"If you did not request this account, just ignore this email.\n"
			if err := email.SendText(h.SMTPSetting, to, subject, body); err != nil {
				log.Printf("[http] welcome email to=%s err=%v", to, err)
			}
		}(id.Email, id.DisplayName)
	}

	common.OK(c, gin.H{"identity": id, "token": token})
}

type signInReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) SignIn(c *gin.Context) {
	var req signInReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	}
	id, token, err := h.Identity.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, gin.H{"identity": id, "token": token})
}

// SignOut revokes every token of the caller. Live sessions of the identity
// observe the change and close, which marks it offline.
func (h *Handler) SignOut(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	if err := h.Identity.SignOut(c.Request.Context(), s.Identity.ID); err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, gin.H{"signedOut": true})
}

func (h *Handler) Me(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	common.OK(c, s.Identity)
}

func (h *Handler) CompleteProfile(c *gin.Context) {
	s, ok := currentSession(c)
	if !ok {
		return
	}
	var req profileFields
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	d, err := req.details()
	if err != nil {
		failErr(c, err)
		return
	}
	id, err := h.Identity.CompleteProfile(c.Request.Context(), s.Identity.ID, req.Name, d)
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, id)
}

func (h *Handler) GetUserByID(c *gin.Context) {
	id, err := h.Identity.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	common.OK(c, id.Profile())
}
