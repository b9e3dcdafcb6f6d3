package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSpectrum(1024)
	m.RecordDelivery("held")
	m.UpdateDelivery(1, 2, 3)
	m.RecordSnapshotBytes(10)
	m.RecordSnapshot("completed")
	m.RecordAcquisitionError("read")
	m.RecordReconnect()
	m.RecordWSConnection()
	m.RecordWSDisconnect()
	m.RecordWSMessage("sent")
}

func TestCountersAndHandler(t *testing.T) {
	is := is.New(t)
	m := New()

	m.RecordSpectrum(2048)
	m.RecordSpectrum(2048)
	m.RecordDelivery("forwarded")
	m.RecordDelivery("backpressure")
	m.RecordDelivery("backpressure")
	m.RecordSnapshotBytes(4000)
	m.UpdateDelivery(9.5, 10, 6.25)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	is.NoErr(err)
	for _, want := range []string{
		"iqscope_spectra_total 2",
		`iqscope_delivery_decisions_total{result="forwarded"} 1`,
		`iqscope_delivery_decisions_total{result="backpressure"} 2`,
		"iqscope_snapshot_bytes_total 4000",
		"iqscope_consumer_ack_lag_seconds 6.25",
		"iqscope_fft_size 2048",
	} {
		is.True(strings.Contains(string(body), want)) // missing metric line
	}
}
