package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/portfolio-chat/internal/common"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/portfolio-chat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	if len(h.Cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     h.Cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
			ExposeHeaders:    []string{middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/ping", h.Ping)

	// auth
	r.POST("/auth/signup", h.SignUp)
	r.POST("/auth/signin", h.SignIn)
	r.GET("/auth/oauth/google/start", h.GoogleStart)
	r.POST("/auth/oauth/google/callback", h.GoogleCallback)

	// live session, token in the query
	r.GET("/ws", h.Live)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Identity))
	authGroup.POST("/auth/signout", h.SignOut)
	authGroup.GET("/me", h.Me)
	authGroup.PUT("/me/profile", h.CompleteProfile)
	authGroup.GET("/users/:id", h.GetUserByID)
	authGroup.GET("/presence/:id", h.GetPresence)

	// Chat (JWT required)
	authGroup.GET("/conversations", h.ListConversations)
	authGroup.GET("/conversations/:peer_id", h.GetConversation)
	authGroup.GET("/conversations/:peer_id/messages", h.ListMessages)
	authGroup.POST("/conversations/:peer_id/messages", h.SendMessage)
	authGroup.POST("/conversations/:peer_id/read", h.MarkRead)
	return r
}
