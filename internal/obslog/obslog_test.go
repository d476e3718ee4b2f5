package obslog

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigureUnknownLevelKeepsDefault(t *testing.T) {
	Configure("not-a-level")
	assert.NotNil(t, logger)
}

func TestMetricsHandlerServesRegisteredSeries(t *testing.T) {
	m := NewMetrics()
	m.MailboxDepth.WithLabelValues("Counter").Set(3)
	m.RunnersLive.Set(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "meridian_entity_mailbox_depth")
	assert.Contains(t, rec.Body.String(), "meridian_shardmanager_runners_live")
}
