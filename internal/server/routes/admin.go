package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
)

func NormalizeLabelsHandler(c echo.Context) error {
	n, err := appOf(c).Promoter.NormalizeLabels(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

type mergeBody struct {
	Kinds []common.EntityKind `json:"kinds"`
}

// MergeDuplicatesHandler merges graph nodes that name the same entity.
// Without kinds in the body, persons and companies are merged.
func MergeDuplicatesHandler(c echo.Context) error {
	data := new(mergeBody)
	if c.Request().ContentLength != 0 {
		if err := c.Bind(data); err != nil {
			return respondError(c, invalidBody(err))
		}
	}
	for _, k := range data.Kinds {
		if !k.Valid() {
			return respondError(c, common.NewError(common.InvalidConfig, "unknown entity kind %q", k))
		}
	}
	report, err := appOf(c).Promoter.MergeDuplicateNodes(c.Request().Context(), data.Kinds...)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func EnsureIndicesHandler(c echo.Context) error {
	if err := appOf(c).Promoter.EnsureIndices(c.Request().Context()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Graph   graphstore.Stats  `json:"graph"`
	Staging common.Statistics `json:"staging"`
}

// StatsHandler returns node and edge counts of the graph together with
// the staging status counts.
func StatsHandler(c echo.Context) error {
	a := appOf(c)
	ctx := c.Request().Context()
	graphStats, err := a.Graph.Stats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	stagingStats, err := a.Staging.Statistics(ctx, "")
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, statsResponse{Graph: graphStats, Staging: stagingStats})
}
