package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatbotgo/internal/auth"
	"chatbotgo/internal/service/account"
	"chatbotgo/internal/service/chatbot"
)

// Handler wires HTTP routes to the account service and the chat pipeline.
type Handler struct {
	accounts *account.Service
	auth     *auth.Service
	chat     *chatbot.Pipeline
	gatherer prometheus.Gatherer
}

// NewHandler constructs a Handler instance. A nil gatherer disables /metrics.
func NewHandler(accounts *account.Service, authService *auth.Service, chat *chatbot.Pipeline, gatherer prometheus.Gatherer) *Handler {
	registerValidators()
	return &Handler{
		accounts: accounts,
		auth:     authService,
		chat:     chat,
		gatherer: gatherer,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", h.ping)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.POST("/auth/register", h.registerUser)
	api.POST("/auth/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/auth/logout", h.logoutUser)
	authed.POST("/chatbot", h.chatbot)
	authed.GET("/chatbot/history", h.history)
}

func (h *Handler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Server is up and running"})
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,nonblank,max=254"`
	Password string `json:"password" binding:"required,nonblank"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}
	_, err := h.accounts.Register(c.Request.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully"})
	case errors.Is(err, account.ErrEmailTaken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email already registered"})
	case errors.Is(err, account.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
	default:
		logError(c, "register user", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
	}
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credentials"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) || errors.Is(err, account.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credentials"})
			return
		}
		logError(c, "login", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	token, err := h.auth.IssueToken(user)
	if err != nil {
		logError(c, "issue token", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) logoutUser(c *gin.Context) {
	claims, _ := auth.ClaimsFromContext(c)
	if err := h.auth.Revoke(c.Request.Context(), claims); err != nil {
		logError(c, "logout", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	c.Status(http.StatusNoContent)
}

// chatRequest accepts the message under "message"; "userInput" is kept for older clients.
type chatRequest struct {
	Message   string `json:"message"`
	UserInput string `json:"userInput"`
}

func (h *Handler) chatbot(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	message := req.Message
	if message == "" {
		message = req.UserInput
	}
	claims, _ := auth.ClaimsFromContext(c)
	turn, err := h.chat.Handle(c.Request.Context(), claims, message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": turn.BotResponse})
}

func (h *Handler) history(c *gin.Context) {
	claims, _ := auth.ClaimsFromContext(c)
	turns, err := h.chat.History(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, chatbot.ErrStore) {
			logError(c, "fetch chat history", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch chat history"})
			return
		}
		writeError(c, err)
		return
	}
	if c.Query("view") == "entries" {
		c.JSON(http.StatusOK, chatbot.Interleave(turns))
		return
	}
	c.JSON(http.StatusOK, turns)
}

// writeError maps pipeline failures to a status and a client-safe message.
// Internal causes are only logged.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chatbot.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case errors.Is(err, chatbot.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chatbot.ErrGateway):
		logError(c, "chat turn", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process chatbot message"})
	case errors.Is(err, chatbot.ErrStore):
		logError(c, "chat turn", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save chat"})
	default:
		logError(c, "unhandled", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
	}
}

func logError(c *gin.Context, op string, err error) {
	slog.Error(op+" failed",
		"request_id", c.GetString(requestIDKey),
		"path", c.FullPath(),
		"err", err,
	)
}
