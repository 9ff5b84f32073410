package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndTextfile(t *testing.T) {
	m := New()
	m.RowsClaimed.WithLabelValues("orders").Add(3)
	m.RowsDeleted.WithLabelValues("order_items").Add(12)
	m.StepFailures.WithLabelValues("delete", "blocked").Inc()
	m.CategoriesCreated.Add(4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RowsClaimed.WithLabelValues("orders")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.RowsDeleted.WithLabelValues("order_items")))

	path := filepath.Join(t.TempDir(), "tenant_integrity.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `tenant_integrity_rows_claimed_total{entity="orders"} 3`)
	assert.Contains(t, string(data), `tenant_integrity_step_failures_total{kind="blocked",operation="delete"} 1`)
	assert.Contains(t, string(data), "tenant_integrity_categories_created_total 4\n")
}
