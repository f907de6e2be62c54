package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesLedgerCounters(t *testing.T) {
	LedgerEntries.WithLabelValues("spent").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `credit_ledger_entries_total{kind="spent"}`) {
		t.Fatalf("metrics output missing ledger counter")
	}
}
