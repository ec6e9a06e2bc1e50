package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	return NewHandler(f.svc), f, echo.New()
}

func newRequest(method, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	ctx := auth.WithUser(req.Context(), "reg-9", "Dr. Paulo Mendes", []string{auth.RoleRegulator})
	return req.WithContext(ctx)
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func (f *fixture) createBody() string {
	return `{"queue_id":"` + f.queue.ID.String() + `",` +
		`"patient_id":"` + uuid.NewString() + `",` +
		`"procedure_id":"` + uuid.NewString() + `",` +
		`"specialty_id":"` + f.specialty.String() + `",` +
		`"unit_id":"` + f.unit.String() + `",` +
		`"requesting_professional_id":"` + uuid.NewString() + `",` +
		`"priority_tier":"urgent",` +
		`"request_date":"2026-03-01T10:00:00Z",` +
		`"clinical_reason":"hernia inguinal"}`
}

func TestHandler_Create(t *testing.T) {
	h, f, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, f.createBody()), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "pending" || got["queue_position"] != float64(1) {
		t.Errorf("unexpected body %v", got)
	}
	history, _ := got["history"].([]interface{})
	if len(history) != 1 {
		t.Fatalf("expected one movement, got %v", got["history"])
	}
	if actor := history[0].(map[string]interface{})["actor_id"]; actor != "reg-9" {
		t.Errorf("expected actor from auth context, got %v", actor)
	}
}

func TestHandler_Create_IdempotencyHeader(t *testing.T) {
	h, f, e := newTestHandler(t)
	body := f.createBody()

	var ids []string
	for i := 0; i < 2; i++ {
		req := newRequest(http.MethodPost, body)
		req.Header.Set(IdempotencyKeyHeader, "retry-42")
		rec := httptest.NewRecorder()
		if err := h.Create(e.NewContext(req, rec)); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		var got struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		ids = append(ids, got.ID)
	}
	if ids[0] == "" || ids[0] != ids[1] {
		t.Errorf("expected the same entry twice, got %v", ids)
	}
}

func TestHandler_Create_ValidationFields(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(newRequest(http.MethodPost, `{"priority_tier":"urgent"}`), httptest.NewRecorder())

	err := h.Create(c)
	if code := httpCode(t, err); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", code)
	}
	body := err.(*echo.HTTPError).Message.(map[string]interface{})
	fields, ok := body["fields"].(map[string]string)
	if !ok || fields["patient_id"] == "" {
		t.Errorf("expected field errors, got %v", body)
	}
}

func TestHandler_Create_BadJSON(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(newRequest(http.MethodPost, `{"queue_id":`), httptest.NewRecorder())
	if code := httpCode(t, h.Create(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Get(t *testing.T) {
	h, f, e := newTestHandler(t)
	entry := f.create(t, TierPriority)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(newRequest(http.MethodGet, ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if code := httpCode(t, h.Get(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_Get_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(newRequest(http.MethodGet, ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if code := httpCode(t, h.Get(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_List(t *testing.T) {
	h, f, e := newTestHandler(t)
	for i := 0; i < 3; i++ {
		f.create(t, TierElective)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/waitlist?limit=2&type=surgery", nil)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Total != 3 || len(got.Data) != 2 || !got.HasMore {
		t.Errorf("unexpected page %+v", got)
	}
}

func TestHandler_List_InvalidFilter(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?status=waiting&unit_id=x", nil)
	err := h.List(e.NewContext(req, httptest.NewRecorder()))
	if code := httpCode(t, err); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_Regulate(t *testing.T) {
	h, f, e := newTestHandler(t)
	entry := f.create(t, TierElective)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"priority_tier":"emergency","notes":"sepse"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if err := h.Regulate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Ack
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.OK || got.ID != entry.ID.String() {
		t.Errorf("unexpected ack %+v", got)
	}
	stored := f.get(t, entry.ID)
	if stored.Status != StatusRegulated || *stored.ReviewingUserID != "reg-9" {
		t.Errorf("expected regulated by reg-9, got %s %v", stored.Status, stored.ReviewingUserID)
	}
}

func TestHandler_Cancel_IllegalTransition(t *testing.T) {
	h, f, e := newTestHandler(t)
	entry := f.create(t, TierElective)
	if err := f.svc.Cancel(context.Background(), entry.ID, "first", f.actor); err != nil {
		t.Fatal(err)
	}

	c := e.NewContext(newRequest(http.MethodPost, `{"reason":"again"}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if code := httpCode(t, h.Cancel(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_Reorder(t *testing.T) {
	h, f, e := newTestHandler(t)
	first := f.create(t, TierEmergency)
	second := f.create(t, TierElective)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"position":1,"reason":"liminar judicial"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(second.ID.String())

	if err := h.Reorder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.get(t, first.ID).QueuePosition; got != 2 {
		t.Errorf("expected displaced entry at 2, got %d", got)
	}
}

func TestHandler_Reorder_OutOfRange(t *testing.T) {
	h, f, e := newTestHandler(t)
	entry := f.create(t, TierEmergency)

	c := e.NewContext(newRequest(http.MethodPost, `{"position":5}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())

	if code := httpCode(t, h.Reorder(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_RecomputeAll(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.create(t, TierUrgent)
	f.create(t, TierPriority)

	rec := httptest.NewRecorder()
	if err := h.RecomputeAll(e.NewContext(newRequest(http.MethodPost, ""), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]int
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got["entries_updated"] != 2 {
		t.Errorf("expected 2 entries, got %v", got)
	}
}

func TestHandler_SuggestNext_Empty(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	if err := h.SuggestNext(e.NewContext(newRequest(http.MethodGet, ""), rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"entry":null}` {
		t.Errorf("expected null entry, got %s", rec.Body.String())
	}
}

func TestHandler_AppendMovementAndHistory(t *testing.T) {
	h, f, e := newTestHandler(t)
	entry := f.create(t, TierUrgent)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"description":"paciente contatado","reason":"confirmacao"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())
	if err := h.AppendMovement(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodGet, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())
	if err := h.History(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ms []Movement
	if err := json.Unmarshal(rec.Body.Bytes(), &ms); err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 || ms[0].Description != "paciente contatado" {
		t.Errorf("expected annotation first, got %+v", ms)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodGet, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(entry.ID.String())
	if err := h.VerifyHistory(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res VerifyResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Valid || res.Movements != 2 {
		t.Errorf("expected valid chain, got %+v", res)
	}
}

func TestHandler_Report(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.create(t, TierUrgent)

	for _, tc := range []struct {
		kind  string
		query string
		code  int
	}{
		{"queue", "", http.StatusOK},
		{"performance", "?from=2026-03-01&to=2026-03-03", http.StatusOK},
		{"performance", "?from=yesterday", http.StatusUnprocessableEntity},
		{"performance", "?from=2026-03-03&to=2026-03-01", http.StatusUnprocessableEntity},
		{"throughput", "", http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/"+tc.query, nil), rec)
		c.SetParamNames("kind")
		c.SetParamValues(tc.kind)

		err := h.Report(c)
		code := rec.Code
		if err != nil {
			code = httpCode(t, err)
		}
		if code != tc.code {
			t.Errorf("%s%s: expected %d, got %d", tc.kind, tc.query, tc.code, code)
		}
	}
}

func TestHandler_Queues(t *testing.T) {
	h, f, e := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, `{"description":"Consultas de cardiologia","color":"#c62828","type":"consultation"}`), rec)
	if err := h.CreateQueue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c = e.NewContext(newRequest(http.MethodPost, `{"description":"x","type":"ward"}`), httptest.NewRecorder())
	if code := httpCode(t, h.CreateQueue(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for invalid type, got %d", code)
	}

	rec = httptest.NewRecorder()
	if err := h.ListQueues(e.NewContext(newRequest(http.MethodGet, ""), rec)); err != nil {
		t.Fatal(err)
	}
	var qs []Queue
	_ = json.Unmarshal(rec.Body.Bytes(), &qs)
	if len(qs) != 2 {
		t.Errorf("expected 2 queues, got %d", len(qs))
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(newRequest(http.MethodGet, ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(f.queue.ID.String())
	if err := h.GetQueue(c); err != nil {
		t.Fatal(err)
	}
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fieldError("position", "must be between 1 and 3"), http.StatusUnprocessableEntity},
		{notFoundError("waitlist entry", uuid.New()), http.StatusNotFound},
		{conflictError(errors.New("40P01")), http.StatusConflict},
		{persistenceError("update failed", errors.New("disk full")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		he := errorResponse(tt.err).(*echo.HTTPError)
		if he.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, he.Code)
		}
		if tt.code == http.StatusInternalServerError {
			body := he.Message.(map[string]interface{})
			if body["error"] != "internal error" {
				t.Errorf("expected detail to be hidden, got %v", body)
			}
		}
		if tt.code == http.StatusConflict {
			if he.Message.(map[string]interface{})["retryable"] != true {
				t.Error("expected conflict to be marked retryable")
			}
		}
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t)
	api := e.Group("/api/v1")
	h.RegisterRoutes(api)

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+":"+r.Path] = true
	}
	expected := []string{
		"POST:/api/v1/waitlist",
		"GET:/api/v1/waitlist",
		"GET:/api/v1/waitlist/next",
		"GET:/api/v1/waitlist/:id",
		"PATCH:/api/v1/waitlist/:id",
		"POST:/api/v1/waitlist/:id/regulate",
		"POST:/api/v1/waitlist/:id/reclassify",
		"POST:/api/v1/waitlist/:id/cancel",
		"POST:/api/v1/waitlist/:id/reorder",
		"POST:/api/v1/waitlist/:id/move-to-front",
		"POST:/api/v1/waitlist/recompute",
		"GET:/api/v1/waitlist/:id/history",
		"GET:/api/v1/waitlist/:id/history/verify",
		"POST:/api/v1/waitlist/:id/movements",
		"GET:/api/v1/waitlist/reports/:kind",
		"GET:/api/v1/queues",
		"POST:/api/v1/queues",
		"GET:/api/v1/queues/:id",
	}
	for _, path := range expected {
		if !routePaths[path] {
			t.Errorf("missing route: %s", path)
		}
	}
}

func TestHandler_RoleEnforcement(t *testing.T) {
	h, f, e := newTestHandler(t)
	entry := f.create(t, TierUrgent)
	h.RegisterRoutes(e.Group("/api/v1"))

	for _, tc := range []struct {
		role   string
		method string
		path   string
		code   int
	}{
		{auth.RoleViewer, http.MethodGet, "/api/v1/waitlist/" + entry.ID.String(), http.StatusOK},
		{auth.RoleViewer, http.MethodPost, "/api/v1/waitlist/" + entry.ID.String() + "/cancel", http.StatusForbidden},
		{auth.RoleRequester, http.MethodPost, "/api/v1/waitlist/" + entry.ID.String() + "/move-to-front", http.StatusForbidden},
		{auth.RoleRequester, http.MethodPost, "/api/v1/queues", http.StatusForbidden},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = req.WithContext(auth.WithUser(req.Context(), "u1", "User", []string{tc.role}))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tc.code {
			t.Errorf("%s %s as %s: expected %d, got %d (%s)", tc.method, tc.path, tc.role, tc.code, rec.Code, strconv.Quote(rec.Body.String()))
		}
	}
}
