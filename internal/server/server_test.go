package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	aggregatedomain "github.com/smallbiznis/tokenmeter/internal/aggregate/domain"
	aggregateservice "github.com/smallbiznis/tokenmeter/internal/aggregate/service"
	"github.com/smallbiznis/tokenmeter/internal/config"
	limitsservice "github.com/smallbiznis/tokenmeter/internal/limits/service"
	"github.com/smallbiznis/tokenmeter/internal/messaging"
	quotaservice "github.com/smallbiznis/tokenmeter/internal/quota/service"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type producerStub struct {
	published [][]byte
	err       error
}

func (p *producerStub) Publish(_ context.Context, _ messaging.Stream, body []byte) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, body)
	return fmt.Sprintf("%d-0", len(p.published)), nil
}

type testServer struct {
	engine     *gin.Engine
	producer   *producerStub
	db         *gorm.DB
	aggregates aggregatedomain.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageEvent{}, &aggregatedomain.TenantUsage{}))

	table := config.RateTable{
		InputRatePer1000:  decimal.RequireFromString("0.003"),
		OutputRatePer1000: decimal.RequireFromString("0.015"),
	}
	log := zap.NewNop()
	aggregates := aggregateservice.NewService(aggregateservice.ServiceParam{
		DB:      db,
		Log:     log,
		Pricing: config.NewStaticPricingHolder(table),
	})
	quota := quotaservice.NewService(quotaservice.ServiceParam{Log: log, Aggregates: aggregates})
	limits := limitsservice.NewService(limitsservice.ServiceParam{DB: db, Log: log})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	producer := &producerStub{}
	srv := &Server{
		engine:       engine,
		cfg:          config.Config{},
		log:          log,
		genID:        node,
		producer:     producer,
		aggregatesvc: aggregates,
		quotasvc:     quota,
		limitssvc:    limits,
		eventStream:  "usage:events",
	}
	srv.RegisterAPIRoutes()

	return &testServer{engine: engine, producer: producer, db: db, aggregates: aggregates}
}

func (ts *testServer) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPublishUsageEvent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/v1/usage/events",
		`{"id":"srv-evt-1","timestamp":"1700000000","tenant_id":"srv-acme","input_tokens":100,"output_tokens":50,"total_tokens":150}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "srv-evt-1", body["event_id"])
	require.Len(t, ts.producer.published, 1)
}

func TestPublishUsageEventDefaultsIDAndTimestamp(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/v1/usage/events",
		`{"tenant_id":"srv-defaults","total_tokens":10}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, ts.producer.published, 1)
	event, err := usagedomain.ParseEvent(ts.producer.published[0])
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.NotEmpty(t, event.Timestamp)
}

func TestPublishUsageEventRejectsNegativeTokens(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/v1/usage/events",
		`{"tenant_id":"srv-neg","total_tokens":-5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.producer.published)
}

func TestPublishUsageEventRejectsMissingTotal(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/v1/usage/events",
		`{"tenant_id":"srv-no-total","user_message":"hi"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishUsageEventDeniedOverQuota(t *testing.T) {
	ts := newTestServer(t)

	// Tenant already at its limit.
	rec := ts.request(t, http.MethodPost, "/v1/tenants/limit",
		`{"tenantId":"srv-capped","tokenLimit":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, ts.aggregates.Apply(context.Background(), []aggregatedomain.ChangeRecord{{
		EventName: aggregatedomain.EventInsert,
		NewImage: &usagedomain.UsageEvent{
			ID: "srv-capped-1", Timestamp: "1700000000", TenantID: "srv-capped",
			InputTokens: 60, OutputTokens: 40, TotalTokens: 100,
		},
	}}))

	rec = ts.request(t, http.MethodPost, "/v1/usage/events",
		`{"tenant_id":"srv-capped","total_tokens":10}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Token limit exceeded", body["error"])
	assert.EqualValues(t, 100, body["total_tokens"])
	assert.EqualValues(t, 100, body["token_limit"])
	assert.Empty(t, ts.producer.published)
}

func TestGetTenantQuota(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/v1/tenants/srv-unknown/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "srv-unknown", body["tenant_id"])
}

func TestQuotaBoundaryViaHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.request(t, http.MethodPost, "/v1/tenants/limit",
		`{"tenantId":"srv-boundary","tokenLimit":150}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, ts.aggregates.Apply(ctx, []aggregatedomain.ChangeRecord{{
		EventName: aggregatedomain.EventInsert,
		NewImage: &usagedomain.UsageEvent{
			ID: "srv-boundary-1", Timestamp: "1700000000", TenantID: "srv-boundary",
			InputTokens: 100, OutputTokens: 49, TotalTokens: 149,
		},
	}}))
	rec = ts.request(t, http.MethodGet, "/v1/tenants/srv-boundary/quota", "")
	assert.Equal(t, true, decodeBody(t, rec)["allowed"])

	require.NoError(t, ts.aggregates.Apply(ctx, []aggregatedomain.ChangeRecord{{
		EventName: aggregatedomain.EventInsert,
		NewImage: &usagedomain.UsageEvent{
			ID: "srv-boundary-2", Timestamp: "1700000001", TenantID: "srv-boundary",
			TotalTokens: 1,
		},
	}}))
	rec = ts.request(t, http.MethodGet, "/v1/tenants/srv-boundary/quota", "")
	assert.Equal(t, false, decodeBody(t, rec)["allowed"])
}

func TestSetTenantLimitValidationMessages(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{name: "missing limit", body: `{"tenantId":"srv-lim"}`, wantMsg: "Token limit is required"},
		{name: "null limit", body: `{"tenantId":"srv-lim","tokenLimit":null}`, wantMsg: "Token limit is required"},
		{name: "boolean limit", body: `{"tenantId":"srv-lim","tokenLimit":true}`, wantMsg: "Token limit must be a positive integer"},
		{name: "fractional limit", body: `{"tenantId":"srv-lim","tokenLimit":100.5}`, wantMsg: "Token limit must be a positive integer, not a decimal"},
		{name: "zero limit", body: `{"tenantId":"srv-lim","tokenLimit":0}`, wantMsg: "Token limit must be greater than zero"},
		{name: "negative limit", body: `{"tenantId":"srv-lim","tokenLimit":-10}`, wantMsg: "Token limit must be greater than zero"},
		{name: "non-numeric limit", body: `{"tenantId":"srv-lim","tokenLimit":"lots"}`, wantMsg: "Token limit must be a positive integer"},
		{name: "missing tenant", body: `{"tokenLimit":100}`, wantMsg: "tenantId is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.request(t, http.MethodPost, "/v1/tenants/limit", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantMsg, decodeBody(t, rec)["error"])
		})
	}
}

func TestSetTenantLimitSuccess(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/v1/tenants/limit",
		`{"tenantId":"srv-lim-ok","tokenLimit":5000}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "srv-lim-ok", body["tenantId"])
	assert.EqualValues(t, 5000, body["tokenLimit"])
}

func TestListTenantUsage(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.aggregates.Apply(context.Background(), []aggregatedomain.ChangeRecord{{
		EventName: aggregatedomain.EventInsert,
		NewImage: &usagedomain.UsageEvent{
			ID: "srv-list-1", Timestamp: "1700000000", TenantID: "srv-listed",
			InputTokens: 10, OutputTokens: 5, TotalTokens: 15,
		},
	}}))

	rec := ts.request(t, http.MethodGet, "/v1/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	usage, ok := body["usage"].([]any)
	require.True(t, ok)

	found := false
	for _, item := range usage {
		row, ok := item.(map[string]any)
		require.True(t, ok)
		if row["tenant_id"] == "srv-listed" {
			found = true
			assert.Equal(t, "tenant:srv-listed", row["aggregation_key"])
		}
	}
	assert.True(t, found)
}
