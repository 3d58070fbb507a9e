package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

type decisionBody struct {
	Decision      approval.Decision `json:"decision" validate:"required"`
	Notes         string            `json:"notes"`
	Modifications map[string]any    `json:"modifications"`
}

// DecideHandler records a reviewer decision on one staged item. The
// authenticated user is the reviewer.
func DecideHandler(c echo.Context) error {
	data := new(decisionBody)
	if err := bindBody(c, data); err != nil {
		return respondError(c, err)
	}
	out, err := appOf(c).Approval.Decide(c.Request().Context(), c.Param("staged_id"), data.Decision, approval.Review{
		ReviewerID:    reviewerOf(c),
		Notes:         data.Notes,
		Modifications: data.Modifications,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type approveAllBody struct {
	DocumentID string `json:"document_id"`
	Notes      string `json:"notes"`
	// Promote forces promotion of the approved rows whatever the
	// configured policy.
	Promote bool `json:"promote"`
}

// ApproveAllHandler approves every pending row of a document, or of all
// documents when no document id is given.
func ApproveAllHandler(c echo.Context) error {
	data := new(approveAllBody)
	if err := bindBody(c, data); err != nil {
		return respondError(c, err)
	}
	svc := appOf(c).Approval
	ctx := c.Request().Context()

	var (
		out approval.BulkOutcome
		err error
	)
	if data.Promote {
		out, err = svc.ApproveAndPromote(ctx, data.DocumentID, reviewerOf(c))
	} else {
		out, err = svc.ApproveAllPending(ctx, data.DocumentID, reviewerOf(c), data.Notes)
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// PromoteHandler promotes approved and modified rows matching the filter
// in the body. An empty body promotes every reviewed row.
func PromoteHandler(c echo.Context) error {
	f := new(staging.Filter)
	if c.Request().ContentLength != 0 {
		if err := c.Bind(f); err != nil {
			return respondError(c, invalidBody(err))
		}
	}
	report, err := appOf(c).Approval.Promote(c.Request().Context(), *f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

type openSessionBody struct {
	DocumentID string `json:"document_id" validate:"required"`
}

func OpenSessionHandler(c echo.Context) error {
	data := new(openSessionBody)
	if err := bindBody(c, data); err != nil {
		return respondError(c, err)
	}
	session, err := appOf(c).Approval.OpenSession(c.Request().Context(), data.DocumentID, reviewerOf(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

func CompleteSessionHandler(c echo.Context) error {
	session, err := appOf(c).Approval.CompleteSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}
