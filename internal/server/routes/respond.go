package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/server/middleware"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

// MIMEApplicationNDJSON is the content type of event streams.
const MIMEApplicationNDJSON = "application/x-ndjson"

func appOf(c echo.Context) *app.App {
	return c.(*middleware.AppContext).App
}

// reviewerOf returns the id of the authenticated user, or "" on routes
// without authentication.
func reviewerOf(c echo.Context) string {
	if user := c.(*middleware.AppContext).User; user != nil {
		return user.UserID
	}
	return ""
}

func isNotFound(err error) bool {
	return errors.Is(err, staging.ErrNotFound) || errors.Is(err, graphstore.ErrNotFound)
}

// StatusOf maps an error to the status code of its response.
func StatusOf(err error) int {
	if isNotFound(err) {
		return http.StatusNotFound
	}
	if errors.Is(err, app.ErrNotReady) {
		return http.StatusServiceUnavailable
	}
	kind := common.KindOf(err)
	if kind == common.PermissionDenied {
		return http.StatusForbidden
	}
	switch kind.Category() {
	case common.CategoryInput, common.CategoryData:
		return http.StatusBadRequest
	case common.CategoryState:
		return http.StatusConflict
	case common.CategoryTransient, common.CategoryCancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as an error body with the status of StatusOf.
func respondError(c echo.Context, err error) error {
	status := StatusOf(err)
	info := common.Describe(err)
	if isNotFound(err) {
		info = common.ErrorInfo{Kind: common.InvalidConfig, Detail: err.Error()}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("[Server] Request failed", "method", c.Request().Method, "path", c.Path(), "status", status, "err", err)
	} else {
		logger.Debug("[Server] Request rejected", "method", c.Request().Method, "path", c.Path(), "status", status, "err", err)
	}
	return c.JSON(status, info)
}

func invalidBody(err error) error {
	return common.WrapError(common.InvalidConfig, err, "invalid request body")
}

// bindBody binds and validates a request body.
func bindBody(c echo.Context, data any) error {
	if err := c.Bind(data); err != nil {
		return invalidBody(err)
	}
	if err := c.Validate(data); err != nil {
		return invalidBody(err)
	}
	return nil
}

// ndjson writes one JSON document per line and flushes after each.
type ndjson struct {
	c   echo.Context
	enc *json.Encoder
}

func openStream(c echo.Context) *ndjson {
	c.Response().Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)
	return &ndjson{c: c, enc: json.NewEncoder(c.Response())}
}

func (s *ndjson) send(v any) error {
	if err := s.enc.Encode(v); err != nil {
		return err
	}
	s.c.Response().Flush()
	return nil
}

// drain discards the rest of a stream after the client went away so the
// producer can finish.
func drain[T any](events <-chan T) {
	for range events {
	}
}
