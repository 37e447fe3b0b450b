package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authflow/internal/engine"
)

func TestObserve_CountsByEvent(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.Observe(ctx, engine.Event{Type: engine.EventAuthorizationCreated, ClientID: "web"})
	m.Observe(ctx, engine.Event{Type: engine.EventAuthorizationApproved})
	m.Observe(ctx, engine.Event{Type: engine.EventAuthorizationApproved, AutoApproved: true})
	m.Observe(ctx, engine.Event{Type: engine.EventAuthorizationDenied})
	m.Observe(ctx, engine.Event{Type: engine.EventTokensIssued, Grant: engine.GrantAuthorizationCode})
	m.Observe(ctx, engine.Event{Type: engine.EventTokensIssued, Grant: engine.GrantAuthorizationCode})
	m.Observe(ctx, engine.Event{Type: engine.EventRefreshRotated})
	m.Observe(ctx, engine.Event{Type: engine.EventRefreshReuseDetected})
	m.Observe(ctx, engine.Event{Type: engine.EventSessionRevoked})
	m.Observe(ctx, engine.Event{Type: engine.EventClientRegistered})

	assert.InDelta(t, 1, testutil.ToFloat64(m.authorizations.WithLabelValues("web")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.decisions.WithLabelValues("approved")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.decisions.WithLabelValues("auto_approved")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.decisions.WithLabelValues("denied")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.tokensIssued.WithLabelValues("authorization_code")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.refreshes), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.reuse), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.revocations.WithLabelValues("session")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.clients.WithLabelValues("registered")), 0)
}

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Observe(context.Background(), engine.Event{Type: engine.EventRefreshReuseDetected})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "authflow_refresh_reuse_detected_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
