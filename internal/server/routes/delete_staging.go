package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CleanPendingHandler deletes pending rows of the document named by the
// document_id query parameter, or of every document without it.
func CleanPendingHandler(c echo.Context) error {
	res, err := appOf(c).Approval.CleanPending(c.Request().Context(), c.QueryParam("document_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// DeleteDocumentHandler removes a document and all of its staged rows.
// Promoted graph nodes stay.
func DeleteDocumentHandler(c echo.Context) error {
	if err := appOf(c).Staging.DeleteDocument(c.Request().Context(), c.Param("document_id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
