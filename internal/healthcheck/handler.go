package healthcheck

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves the readiness endpoint aggregating all registered checkers.
type Handler struct {
	logger   *slog.Logger
	checkers []Checker
}

func NewHandler(log *slog.Logger, checkers ...Checker) *Handler {
	return &Handler{
		logger:   log.With(slog.String("handler", "healthcheck")),
		checkers: checkers,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
}

type healthResponse struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Healthz returns 200 while every check is ok or warn, 503 once any check
// reports an error.
func (h *Handler) Healthz(c echo.Context) error {
	ctx := c.Request().Context()
	resp := healthResponse{Status: StatusOK, Checks: []CheckResult{}}
	for _, checker := range h.checkers {
		for _, item := range checker.ListChecks(ctx) {
			resp.Checks = append(resp.Checks, item)
			switch item.Status {
			case StatusError:
				resp.Status = StatusError
			case StatusWarn:
				if resp.Status == StatusOK {
					resp.Status = StatusWarn
				}
			}
		}
	}
	code := http.StatusOK
	if resp.Status == StatusError {
		code = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failing")
	}
	return c.JSON(code, resp)
}
