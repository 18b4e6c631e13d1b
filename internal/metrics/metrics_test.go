package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tmbot/internal/domain"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetSessionState(domain.StateOpen)
		m.IncReconnect("x")
		m.IncMessage("pong")
		m.IncPurchaseAttempt(domain.BuyOK)
		m.IncPurchase("ok")
		m.SetBalance(10)
		m.IncReputationFailure(domain.TableCommon)
		m.SetReputationCounters(domain.TablePrecise, 3)
	})
}

func TestCollectorsRecord(t *testing.T) {
	m := New()
	m.SetSessionState(domain.StateAuthenticated)
	m.IncReconnect("stuck")
	m.IncReconnect("stuck")
	m.SetBalance(1234)

	assert.Equal(t, float64(domain.StateAuthenticated), testutil.ToFloat64(m.sessionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("stuck")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(m.balance))
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.IncPurchase("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `tmbot_purchases_total{outcome="ok"} 1`)
}
