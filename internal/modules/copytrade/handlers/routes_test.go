package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/modules/copytrade"
	testingpkg "github.com/dhaneshraok/optionflow/internal/testing"
)

func newTestRouter(t *testing.T) (*chi.Mux, func()) {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "copytrade")
	log := zerolog.Nop()

	subscriptions := copytrade.NewSubscriptionRepository(db.Conn(), log)
	dispatches := copytrade.NewDispatchRepository(db.Conn(), log)
	handler := NewCopytradeHandlers(subscriptions, dispatches, log)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	return router, cleanup
}

func createBody(subscriberID, traderID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"subscriber_id":     subscriberID,
		"trader_id":         traderID,
		"account_id":        "acct-" + subscriberID,
		"auto_execute":      true,
		"max_position_size": 5,
		"max_daily_copies":  5,
		"scaling_factor":    0.5,
	})
	return body
}

func createSubscription(t *testing.T, router *chi.Mux, subscriberID, traderID string) domain.Subscription {
	t.Helper()

	req := httptest.NewRequest("POST", "/subscriptions/", bytes.NewReader(createBody(subscriberID, traderID)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Subscription domain.Subscription `json:"subscription"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Subscription
}

func TestSubscriptionLifecycle(t *testing.T) {
	router, cleanup := newTestRouter(t)
	defer cleanup()

	sub := createSubscription(t, router, "sub-1", "trader-1")
	assert.Equal(t, domain.SubscriptionStatusActive, sub.Status)

	// Duplicate live edge is rejected.
	dupReq := httptest.NewRequest("POST", "/subscriptions/", bytes.NewReader(createBody("sub-1", "trader-1")))
	dupRec := httptest.NewRecorder()
	router.ServeHTTP(dupRec, dupReq)
	assert.Equal(t, http.StatusConflict, dupRec.Code)

	// Pause, resume, update settings, cancel.
	for _, step := range []struct {
		method string
		path   string
		body   []byte
		want   int
	}{
		{"POST", "/subscriptions/" + sub.ID + "/pause", nil, http.StatusOK},
		{"POST", "/subscriptions/" + sub.ID + "/resume", nil, http.StatusOK},
		{"PUT", "/subscriptions/" + sub.ID + "/settings",
			[]byte(`{"auto_execute":false,"max_position_size":3,"max_daily_copies":2,"scaling_factor":0.25}`),
			http.StatusOK},
		{"DELETE", "/subscriptions/" + sub.ID, nil, http.StatusOK},
	} {
		req := httptest.NewRequest(step.method, step.path, bytes.NewReader(step.body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, step.want, rec.Code, "%s %s: %s", step.method, step.path, rec.Body.String())
	}

	// Cancelled subscriptions drop out of the listing.
	listReq := httptest.NewRequest("GET", "/subscriptions/?subscriber_id=sub-1", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var listResp struct {
		Subscriptions []domain.Subscription `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listResp))
	assert.Empty(t, listResp.Subscriptions)

	// The edge is free again after cancellation.
	againReq := httptest.NewRequest("POST", "/subscriptions/", bytes.NewReader(createBody("sub-1", "trader-1")))
	againRec := httptest.NewRecorder()
	router.ServeHTTP(againRec, againReq)
	assert.Equal(t, http.StatusCreated, againRec.Code)
}

func TestCreateSubscription_Validation(t *testing.T) {
	router, cleanup := newTestRouter(t)
	defer cleanup()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{
			name: "self subscription",
			body: map[string]interface{}{
				"subscriber_id": "u1", "trader_id": "u1", "account_id": "a",
				"max_position_size": 5, "max_daily_copies": 5, "scaling_factor": 1.0,
			},
		},
		{
			name: "zero max position size",
			body: map[string]interface{}{
				"subscriber_id": "u1", "trader_id": "u2", "account_id": "a",
				"max_position_size": 0, "max_daily_copies": 5, "scaling_factor": 1.0,
			},
		},
		{
			name: "negative scaling factor",
			body: map[string]interface{}{
				"subscriber_id": "u1", "trader_id": "u2", "account_id": "a",
				"max_position_size": 5, "max_daily_copies": 5, "scaling_factor": -0.5,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest("POST", "/subscriptions/", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDispatchHistory(t *testing.T) {
	router, cleanup := newTestRouter(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/dispatches?subscriber_id=sub-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	missing := httptest.NewRequest("GET", "/dispatches", nil)
	missingRec := httptest.NewRecorder()
	router.ServeHTTP(missingRec, missing)
	assert.Equal(t, http.StatusBadRequest, missingRec.Code)
}
