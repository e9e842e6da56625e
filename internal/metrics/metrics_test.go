package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLabsTotalTracksPerStatusGauge(t *testing.T) {
	LabsTotal.WithLabelValues("READY").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(LabsTotal.WithLabelValues("READY")))
}

func TestNetworkRmRetriesTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(NetworkRmRetriesTotal)
	NetworkRmRetriesTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(NetworkRmRetriesTotal))
}

func TestHandlerIsNotNil(t *testing.T) {
	assert.NotNil(t, Handler())
}
