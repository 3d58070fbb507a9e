package routes

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// filterOf reads a staging filter from the query string.
func filterOf(c echo.Context) (staging.Filter, error) {
	var (
		f            staging.Filter
		status, kind string
		createdAfter time.Time
	)
	err := echo.QueryParamsBinder(c).
		String("document_id", &f.DocumentID).
		String("batch_id", &f.BatchID).
		String("status", &status).
		String("kind", &kind).
		Time("created_after", &createdAfter, time.RFC3339).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		BindError()
	if err != nil {
		return f, invalidBody(err)
	}
	if status != "" {
		f.Status = common.ApprovalStatus(status)
		if !f.Status.Valid() {
			return f, common.NewError(common.InvalidConfig, "unknown status %q", status)
		}
	}
	if kind != "" {
		f.Kind = common.EntityKind(kind)
		if !f.Kind.Valid() {
			return f, common.NewError(common.InvalidConfig, "unknown entity kind %q", kind)
		}
	}
	if !createdAfter.IsZero() {
		f.CreatedAfter = &createdAfter
	}
	if f.Offset < 0 {
		return f, common.NewError(common.InvalidConfig, "offset must not be negative")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultPageSize
	case f.Limit > maxPageSize:
		f.Limit = maxPageSize
	}
	return f, nil
}

func ListStagedEntitiesHandler(c echo.Context) error {
	f, err := filterOf(c)
	if err != nil {
		return respondError(c, err)
	}
	items, err := appOf(c).Staging.ListEntities(c.Request().Context(), f)
	if err != nil {
		return respondError(c, err)
	}
	if items == nil {
		items = []common.StagedEntity{}
	}
	return c.JSON(http.StatusOK, listResponse[common.StagedEntity]{Items: items, Limit: f.Limit, Offset: f.Offset})
}

func ListStagedRelationshipsHandler(c echo.Context) error {
	f, err := filterOf(c)
	if err != nil {
		return respondError(c, err)
	}
	items, err := appOf(c).Staging.ListRelationships(c.Request().Context(), f)
	if err != nil {
		return respondError(c, err)
	}
	if items == nil {
		items = []common.StagedRelationship{}
	}
	return c.JSON(http.StatusOK, listResponse[common.StagedRelationship]{Items: items, Limit: f.Limit, Offset: f.Offset})
}

// GetStagedItemHandler returns a staged entity or relationship by its
// staged id.
func GetStagedItemHandler(c echo.Context) error {
	ctx := c.Request().Context()
	store := appOf(c).Staging
	id := c.Param("staged_id")

	item, ok := staging.ItemOf(id)
	if !ok {
		return respondError(c, fmt.Errorf("staged item %s: %w", id, staging.ErrNotFound))
	}
	if item == staging.ItemEntity {
		e, err := store.GetEntity(ctx, id)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, e)
	}
	r, err := store.GetRelationship(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func StagingStatisticsHandler(c echo.Context) error {
	stats, err := appOf(c).Approval.Statistics(c.Request().Context(), c.QueryParam("document_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func ListSessionsHandler(c echo.Context) error {
	sessions, err := appOf(c).Staging.ListSessions(c.Request().Context(), c.QueryParam("document_id"))
	if err != nil {
		return respondError(c, err)
	}
	if sessions == nil {
		sessions = []common.ApprovalSession{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func GetSessionHandler(c echo.Context) error {
	session, err := appOf(c).Staging.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}
