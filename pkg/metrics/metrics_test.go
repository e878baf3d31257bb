package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetSiteStatus(t *testing.T) {
	SetSiteStatus("east", "healthy")
	assert.Equal(t, 1.0, testutil.ToFloat64(SiteHealth.WithLabelValues("east", "healthy")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SiteHealth.WithLabelValues("east", "failed")))

	SetSiteStatus("east", "failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(SiteHealth.WithLabelValues("east", "healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SiteHealth.WithLabelValues("east", "failed")))
}
