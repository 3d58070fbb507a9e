package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/app/apptest"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/server"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/server/middleware"
	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/server/routes"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai/aitest"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/approval"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/graphstore"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/pipeline"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/promote"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/staging"
)

const janeText = "Jane Smith is the CEO of Acme Corp since 2019."

const janeResponse = `{
  "people": ["Jane Smith"],
  "companies": ["Acme Corp"],
  "relationships": [
    {"source": "Jane Smith", "target": "Acme Corp", "kind": "Leadership", "attributes": {"role": "CEO", "start": 2019}}
  ]
}`

func janeFake() *aitest.Fake {
	return &aitest.Fake{Respond: func(context.Context, string) (string, error) { return janeResponse, nil }}
}

func newServer(t *testing.T, opts ...app.Option) (*echo.Echo, *app.App, *aitest.Fake) {
	t.Helper()
	fake := janeFake()
	a := apptest.New(t, fake, apptest.Config(), opts...)
	return server.New(a, &middleware.Auth{Disabled: true}), a, fake
}

type upload struct {
	name    string
	content string
}

func multipartBody(t *testing.T, config string, files ...upload) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := w.CreateFormFile("files[]", f.name)
		if err != nil {
			t.Fatalf("expected form file, got %v", err)
		}
		if _, err := part.Write([]byte(f.content)); err != nil {
			t.Fatalf("expected write, got %v", err)
		}
	}
	if config != "" {
		if err := w.WriteField("config", config); err != nil {
			t.Fatalf("expected form field, got %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("expected multipart body, got %v", err)
	}
	return &buf, w.FormDataContentType()
}

func do(e *echo.Echo, method, target string, body io.Reader, contentType string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func doJSON(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return do(e, method, target, r, echo.MIMEApplicationJSON)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", rec.Body.String(), err)
	}
	return out
}

func decodeLines[T any](t *testing.T, rec *httptest.ResponseRecorder) []T {
	t.Helper()
	var out []T
	dec := json.NewDecoder(rec.Body)
	for {
		var v T
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("expected NDJSON line, got %v", err)
		}
		out = append(out, v)
	}
}

// ingest runs a synchronous ingestion of the Jane Smith document.
func ingest(t *testing.T, e *echo.Echo, config string) []pipeline.Event {
	t.Helper()
	body, ct := multipartBody(t, config, upload{"jane.txt", janeText})
	rec := do(e, http.MethodPost, "/ingest", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	events := decodeLines[pipeline.Event](t, rec)
	if len(events) == 0 || events[len(events)-1].Type != pipeline.EventComplete {
		t.Fatalf("expected the run to complete, got %+v", events)
	}
	return events
}

func TestHealthRoute(t *testing.T) {
	e, _, fake := newServer(t)

	rec := do(e, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	h := decode[app.Health](t, rec)
	if h.Status != app.StatusHealthy || h.APIURL != "http://graph.test" || h.Components.LLM != "ok" {
		t.Fatalf("unexpected health %+v", h)
	}

	fake.PingErr = errors.New("connection refused")
	rec = do(e, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if h := decode[app.Health](t, rec); h.Status != app.StatusDegraded || h.Components.LLM != "unavailable" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestIngestStreamsEvents(t *testing.T) {
	e, a, _ := newServer(t)

	body, ct := multipartBody(t, `{"mode":"staging"}`, upload{"jane.txt", janeText}, upload{"sheet.xlsx", "x"})
	rec := do(e, http.MethodPost, "/ingest", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != routes.MIMEApplicationNDJSON {
		t.Fatalf("expected %s, got %s", routes.MIMEApplicationNDJSON, got)
	}

	events := decodeLines[pipeline.Event](t, rec)
	first := events[0]
	if first.Type != pipeline.EventError || first.DocumentIndex == nil || *first.DocumentIndex != 1 {
		t.Fatalf("expected a load error for the second file, got %+v", first)
	}
	if first.Error == nil || first.Error.Kind != common.UnsupportedDocument {
		t.Fatalf("expected UnsupportedDocument, got %+v", first.Error)
	}
	for _, ev := range events[1:] {
		if ev.DocumentIndex != nil && *ev.DocumentIndex != 0 {
			t.Fatalf("expected pipeline events of the first file, got %+v", ev)
		}
	}
	last := events[len(events)-1]
	if last.Type != pipeline.EventComplete || last.Summary == nil {
		t.Fatalf("expected complete with summary, got %+v", last)
	}
	if last.Summary.Documents != 1 || last.Summary.Failed != 1 {
		t.Fatalf("expected 1 staged and 1 failed document, got %+v", last.Summary)
	}

	pending, err := a.Staging.ListEntities(context.Background(), staging.Filter{Status: common.StatusPending})
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending entities, got %d %v", len(pending), err)
	}
}

func TestIngestRejectsBadRequests(t *testing.T) {
	e, _, _ := newServer(t)

	tests := []struct {
		name   string
		config string
		files  []upload
	}{
		{"no files", `{"mode":"staging"}`, nil},
		{"unknown mode", `{"mode":"eventually"}`, []upload{{"jane.txt", janeText}}},
		{"malformed config", `{"mode":`, []upload{{"jane.txt", janeText}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.config, tt.files...)
			rec := do(e, http.MethodPost, "/ingest", body, ct)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if info := decode[common.ErrorInfo](t, rec); info.Kind != common.InvalidConfig {
				t.Fatalf("expected InvalidConfig, got %+v", info)
			}
		})
	}
}

func TestIngestWithoutLoadableFiles(t *testing.T) {
	e, _, _ := newServer(t)

	body, ct := multipartBody(t, "", upload{"sheet.xlsx", "x"})
	rec := do(e, http.MethodPost, "/ingest", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	events := decodeLines[pipeline.Event](t, rec)
	if len(events) != 2 {
		t.Fatalf("expected an error and a fatal event, got %+v", events)
	}
	last := events[1]
	if last.Type != pipeline.EventFatal || last.Error == nil || last.Error.Kind != common.UnsupportedDocument {
		t.Fatalf("expected fatal UnsupportedDocument, got %+v", last)
	}
}

type chatLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestChatStreamsAnswer(t *testing.T) {
	e, a, _ := newServer(t)
	ingest(t, e, `{"mode":"direct"}`)

	rec := doJSON(e, http.MethodPost, "/chat",
		`{"message":"What is the relationship between Jane Smith and Acme Corp?","session_id":"s1","user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	lines := decodeLines[chatLine](t, rec)
	var types []string
	for _, l := range lines {
		types = append(types, l.Type)
	}
	if strings.Join(types, ",") != "chunk,graph,done" {
		t.Fatalf("expected chunk, graph and done, got %v", types)
	}

	var prose string
	if err := json.Unmarshal(lines[0].Payload, &prose); err != nil {
		t.Fatalf("expected string payload, got %v", err)
	}
	if want := "Jane Smith leads Acme Corp as CEO since 2019."; prose != want {
		t.Fatalf("expected %q, got %q", want, prose)
	}
	var slice common.GraphSlice
	if err := json.Unmarshal(lines[1].Payload, &slice); err != nil || len(slice.Nodes) != 2 || len(slice.Edges) != 1 {
		t.Fatalf("expected 2 nodes and 1 edge, got %+v %v", slice, err)
	}
	var done struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}
	if err := json.Unmarshal(lines[2].Payload, &done); err != nil || done.SessionID != "s1" || done.Mode != "relation" {
		t.Fatalf("unexpected done payload %s", lines[2].Payload)
	}

	history := a.Sessions.History("u1/s1")
	if len(history) != 2 || history[0].Role != "user" || history[1].Message != prose {
		t.Fatalf("expected the turn in the session history, got %+v", history)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	e, _, _ := newServer(t)

	for _, body := range []string{`{"message":""}`, `{"message":"   "}`, `{"message":`} {
		rec := doJSON(e, http.MethodPost, "/chat", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
}

type entityList struct {
	Items  []common.StagedEntity `json:"items"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

func TestStagingReview(t *testing.T) {
	e, _, _ := newServer(t)
	ingest(t, e, `{"mode":"staging"}`)

	q := url.Values{"status": {"pending"}, "kind": {string(common.EntityPerson)}}
	rec := do(e, http.MethodGet, "/staging/entities?"+q.Encode(), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	list := decode[entityList](t, rec)
	if len(list.Items) != 1 || list.Items[0].Name != "Jane Smith" || list.Limit != 100 {
		t.Fatalf("expected Jane Smith on a default page, got %+v", list)
	}
	jane := list.Items[0].StagedID

	rec = do(e, http.MethodGet, "/staging/items/"+jane, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/staging/items/"+jane+"/decision", `{"decision":"approve"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if out := decode[approval.Outcome](t, rec); out.Status != common.StatusApproved {
		t.Fatalf("expected approved, got %+v", out)
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"decide twice", http.MethodPost, "/staging/items/" + jane + "/decision", `{"decision":"approve"}`, http.StatusConflict},
		{"missing decision", http.MethodPost, "/staging/items/" + jane + "/decision", `{}`, http.StatusBadRequest},
		{"unknown item", http.MethodGet, "/staging/items/" + staging.EntityPrefix + "missing", "", http.StatusNotFound},
		{"malformed id", http.MethodGet, "/staging/items/nothing", "", http.StatusNotFound},
		{"unknown status", http.MethodGet, "/staging/entities?status=bogus", "", http.StatusBadRequest},
		{"negative offset", http.MethodGet, "/staging/relationships?offset=-1", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(e, tt.method, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	rec = do(e, http.MethodGet, "/staging/statistics", nil, "")
	stats := decode[common.Statistics](t, rec)
	if stats.Entities.Approved != 1 || stats.Entities.Pending != 1 || stats.Relationships.Pending != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}

	rec = doJSON(e, http.MethodPost, "/staging/promote", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if report := decode[promote.Report](t, rec); report.Created != 1 {
		t.Fatalf("expected the approved entity promoted, got %+v", report)
	}

	rec = do(e, http.MethodGet, "/admin/stats", nil, "")
	var overview struct {
		Graph   graphstore.Stats  `json:"graph"`
		Staging common.Statistics `json:"staging"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &overview); err != nil {
		t.Fatalf("expected stats body, got %v", err)
	}
	if overview.Graph.Nodes[string(common.EntityPerson)] != 1 || overview.Staging.Entities.Ingested != 1 {
		t.Fatalf("unexpected stats %+v", overview)
	}

	rec = do(e, http.MethodDelete, "/staging/pending", nil, "")
	if res := decode[staging.BulkResult](t, rec); res.Entities != 1 || res.Relationships != 1 {
		t.Fatalf("expected the pending company and relationship cleaned, got %+v", res)
	}
}

func TestReviewSessions(t *testing.T) {
	e, _, _ := newServer(t)
	ingest(t, e, "")
	docID := pipeline.DocumentID("jane", janeText)

	rec := doJSON(e, http.MethodPost, "/staging/sessions", `{"document_id":"`+docID+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	session := decode[common.ApprovalSession](t, rec)

	rec = doJSON(e, http.MethodPost, "/staging/sessions/"+session.SessionID+"/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/staging/sessions?document_id="+docID, nil, "")
	if sessions := decode[[]common.ApprovalSession](t, rec); len(sessions) != 1 || sessions[0].SessionID != session.SessionID {
		t.Fatalf("expected the session listed, got %+v", sessions)
	}

	rec = doJSON(e, http.MethodPost, "/staging/sessions", `{"document_id":"unknown"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown document, got %d", rec.Code)
	}
}

func TestApproveAllAndPromote(t *testing.T) {
	e, a, _ := newServer(t)
	ingest(t, e, "")

	rec := doJSON(e, http.MethodPost, "/staging/approve-all", `{"promote":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[approval.BulkOutcome](t, rec)
	if out.Approved.Entities != 2 || out.Approved.Relationships != 1 || out.Promotion == nil || out.Promotion.Created != 3 {
		t.Fatalf("expected 3 rows approved and promoted, got %+v", out)
	}
	found, err := a.Graph.FindEntities(context.Background(), graphstore.EntityQuery{Kind: common.EntityCompany, Name: "Acme Corp"})
	if err != nil || len(found) != 1 {
		t.Fatalf("expected Acme Corp in the graph, got %v %v", found, err)
	}
}

func TestAdminMaintenance(t *testing.T) {
	e, _, _ := newServer(t)
	ingest(t, e, `{"mode":"direct"}`)

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"normalize labels", "/admin/normalize-labels", "", http.StatusOK},
		{"ensure indices", "/admin/ensure-indices", "", http.StatusOK},
		{"merge duplicates", "/admin/merge-duplicates", "", http.StatusOK},
		{"merge persons", "/admin/merge-duplicates", `{"kinds":["Person"]}`, http.StatusOK},
		{"merge unknown kind", "/admin/merge-duplicates", `{"kinds":["Alien"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(e, http.MethodPost, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	a := apptest.New(t, janeFake(), apptest.Config())
	e := server.New(a, &middleware.Auth{MasterAPIKey: "secret"})

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"no header", "/staging/entities", "", http.StatusUnauthorized},
		{"not a bearer token", "/staging/entities", "secret", http.StatusUnauthorized},
		{"wrong key", "/staging/entities", "Bearer nope", http.StatusUnauthorized},
		{"master key", "/staging/entities", "Bearer secret", http.StatusOK},
		{"master key on admin", "/admin/stats", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.header != "" {
				headers = []string{echo.HeaderAuthorization, tt.header}
			}
			rec := do(e, http.MethodGet, tt.target, nil, "", headers...)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}
