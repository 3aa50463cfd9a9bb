package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/stratusgg/stratus/pkg/types"
)

// errorResponse maps domain errors onto HTTP status codes. Workflow failures
// are not errors at this layer; they arrive inside a 200 status body.
func errorResponse(c echo.Context, err error) error {
	var (
		validation *types.ValidationError
		notFound   *types.NotFoundError
		conflict   *types.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &notFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &conflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) deployInstance(c echo.Context) error {
	var req types.DeployRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	if err := s.deployer.Deploy(c.Request().Context(), req); err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, types.DeployResponse{
		Status:  "deploying",
		Message: "deployment started; poll /deployment-status for progress",
	})
}

func (s *Server) terminateInstance(c echo.Context) error {
	var req types.TerminateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	if err := s.deployer.Terminate(c.Request().Context(), req); err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, types.DeployResponse{
		Status:  "terminating",
		Message: "instance teardown started",
	})
}

func (s *Server) streamingLink(c echo.Context) error {
	userID := c.QueryParam("userId")
	link, err := s.deployer.StreamingLink(c.Request().Context(), userID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, link)
}

func (s *Server) deploymentStatus(c echo.Context) error {
	userID := c.QueryParam("userId")
	status, err := s.deployer.Status(c.Request().Context(), userID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}
