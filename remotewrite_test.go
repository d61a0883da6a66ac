package trialscope

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

func writeRequest(series ...prompb.TimeSeries) *prompb.WriteRequest {
	return &prompb.WriteRequest{Timeseries: series}
}

func issueSeries(study, site, subject, category string, value float64) prompb.TimeSeries {
	return prompb.TimeSeries{
		Labels: []prompb.Label{
			{Name: "__name__", Value: remoteWriteMetric},
			{Name: labelStudy, Value: study},
			{Name: labelSite, Value: site},
			{Name: labelSubject, Value: subject},
			{Name: labelCategory, Value: category},
		},
		Samples: []prompb.Sample{{Value: value, Timestamp: 1700000000000}},
	}
}

func TestConvertRemoteWrite(t *testing.T) {
	req := writeRequest(
		issueSeries("STUDY-1", "site-1", "1001", "query_aged", 4),
		issueSeries("STUDY-1", "site-1", "1002", "sae_pending", 1),
	)
	obs, skipped := convertRemoteWrite(req)
	if skipped != 0 {
		t.Errorf("skipped = %d, want 0", skipped)
	}
	if len(obs) != 2 {
		t.Fatalf("got %d observations", len(obs))
	}
	first := obs[0]
	if first.StudyID != "STUDY-1" || first.SiteID != "site-1" || first.SubjectID != "1001" {
		t.Errorf("identifiers = %+v", first)
	}
	if first.Category != CategoryQueryAged || first.Count != 4 {
		t.Errorf("category/count = %v/%d", first.Category, first.Count)
	}
	// Remote-write timestamps are milliseconds; observations use nanoseconds.
	if first.Timestamp != 1700000000000*1e6 {
		t.Errorf("timestamp = %d", first.Timestamp)
	}
}

func TestConvertRemoteWriteSkips(t *testing.T) {
	tests := []struct {
		name   string
		series prompb.TimeSeries
	}{
		{"wrong metric", prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: "cpu_usage"},
				{Name: labelStudy, Value: "STUDY-1"},
				{Name: labelSite, Value: "site-1"},
				{Name: labelSubject, Value: "1001"},
				{Name: labelCategory, Value: "query_aged"},
			},
			Samples: []prompb.Sample{{Value: 1}},
		}},
		{"missing subject", prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: remoteWriteMetric},
				{Name: labelStudy, Value: "STUDY-1"},
				{Name: labelSite, Value: "site-1"},
				{Name: labelCategory, Value: "query_aged"},
			},
			Samples: []prompb.Sample{{Value: 1}},
		}},
		{"unknown category", issueSeries("STUDY-1", "site-1", "1001", "bogus", 1)},
		{"negative value", issueSeries("STUDY-1", "site-1", "1001", "query_aged", -3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, skipped := convertRemoteWrite(writeRequest(tt.series))
			if len(obs) != 0 {
				t.Errorf("got %d observations, want 0", len(obs))
			}
			if skipped != 1 {
				t.Errorf("skipped = %d, want 1", skipped)
			}
		})
	}
}

func TestConvertRemoteWriteStaleMarkers(t *testing.T) {
	// Prometheus emits this NaN bit pattern when a series goes stale.
	staleNaN := math.Float64frombits(0x7ff0000000000002)

	series := issueSeries("STUDY-1", "site-1", "1001", "query_aged", 0)
	series.Samples = []prompb.Sample{
		{Value: 4, Timestamp: 1700000000000},
		{Value: staleNaN, Timestamp: 1700000060000},
		{Value: math.Inf(1), Timestamp: 1700000120000},
	}

	obs, skipped := convertRemoteWrite(writeRequest(series))
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1", len(obs))
	}
	if obs[0].Count != 4 {
		t.Errorf("count = %d, want 4", obs[0].Count)
	}
}

func TestHandleRemoteWrite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecomputeInterval = 0
	cfg.HTTP.RemoteWriteEnabled = true
	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	if err := eng.RegisterSite(context.Background(), Site{SiteID: "site-1", StudyID: "STUDY-1", Country: "DE", Region: "EMEA"}); err != nil {
		t.Fatalf("RegisterSite: %v", err)
	}

	req := writeRequest(issueSeries("STUDY-1", "site-1", "1001", "query_aged", 4))
	raw, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := snappy.Encode(nil, raw)

	w := httptest.NewRecorder()
	eng.handleRemoteWrite(w, httptest.NewRequest(http.MethodPost, "/api/v1/prometheus/write", bytes.NewReader(body)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	score, err := eng.SubjectScore("site-1", "1001")
	if err != nil {
		t.Fatalf("SubjectScore: %v", err)
	}
	if score.Counts[CategoryQueryAged] != 4 {
		t.Errorf("ingested count = %d, want 4", score.Counts[CategoryQueryAged])
	}
}

func TestHandleRemoteWriteStaleMarkerInBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecomputeInterval = 0
	cfg.HTTP.RemoteWriteEnabled = true
	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	if err := eng.RegisterSite(context.Background(), Site{SiteID: "site-1", StudyID: "STUDY-1", Country: "DE", Region: "EMEA"}); err != nil {
		t.Fatalf("RegisterSite: %v", err)
	}

	// A stale marker must not poison the valid samples alongside it.
	stale := issueSeries("STUDY-1", "site-1", "1002", "crf_overdue", math.Float64frombits(0x7ff0000000000002))
	req := writeRequest(
		issueSeries("STUDY-1", "site-1", "1001", "query_aged", 4),
		stale,
	)
	raw, err := req.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := snappy.Encode(nil, raw)

	w := httptest.NewRecorder()
	eng.handleRemoteWrite(w, httptest.NewRequest(http.MethodPost, "/api/v1/prometheus/write", bytes.NewReader(body)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	score, err := eng.SubjectScore("site-1", "1001")
	if err != nil {
		t.Fatalf("SubjectScore: %v", err)
	}
	if score.Counts[CategoryQueryAged] != 4 {
		t.Errorf("ingested count = %d, want 4", score.Counts[CategoryQueryAged])
	}
}

func TestHandleRemoteWriteDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecomputeInterval = 0
	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	w := httptest.NewRecorder()
	eng.handleRemoteWrite(w, httptest.NewRequest(http.MethodPost, "/api/v1/prometheus/write", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleRemoteWriteBadPayload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecomputeInterval = 0
	cfg.HTTP.RemoteWriteEnabled = true
	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	w := httptest.NewRecorder()
	eng.handleRemoteWrite(w, httptest.NewRequest(http.MethodPost, "/api/v1/prometheus/write", bytes.NewReader([]byte("not snappy"))))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	eng.handleRemoteWrite(w, httptest.NewRequest(http.MethodGet, "/api/v1/prometheus/write", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}
