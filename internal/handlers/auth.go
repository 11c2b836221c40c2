package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/irisorigin/iris/internal/auth"
)

// AuthHandler serves the admin login endpoint.
type AuthHandler struct {
	logger       *slog.Logger
	username     string
	passwordHash string
	jwtSecret    string
	expiresIn    time.Duration
}

func NewAuthHandler(log *slog.Logger, username, passwordHash, jwtSecret string, expiresIn time.Duration) *AuthHandler {
	return &AuthHandler{
		logger:       log.With(slog.String("handler", "auth")),
		username:     username,
		passwordHash: passwordHash,
		jwtSecret:    jwtSecret,
		expiresIn:    expiresIn,
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/api/auth/login", h.Login)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login checks the admin credentials and issues a JWT.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username != h.username ||
		bcrypt.CompareHashAndPassword([]byte(h.passwordHash), []byte(req.Password)) != nil {
		h.logger.Warn("rejected login", slog.String("username", req.Username))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	token, expiresAt, err := auth.GenerateToken(req.Username, h.jwtSecret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}
