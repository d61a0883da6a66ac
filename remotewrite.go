package trialscope

import (
	"io"
	"math"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// Remote-write label names recognized by the ingest bridge. EDC exporters
// that already speak Prometheus remote write can push issue-count series
// without a bespoke client: one sample per subject and category, labeled
// with study, site, subject, and category.
const (
	remoteWriteMetric = "trial_issue_count"
	labelStudy        = "study"
	labelSite         = "site"
	labelSubject      = "subject"
	labelCategory     = "category"
)

// convertRemoteWrite translates a Prometheus remote-write request into
// observations. Series that are not trial_issue_count, carry incomplete
// labels, or an unknown category are skipped and counted.
func convertRemoteWrite(req *prompb.WriteRequest) (obs []Observation, skipped int) {
	for i := range req.Timeseries {
		ts := &req.Timeseries[i]
		var name, study, site, subject, category string
		for _, label := range ts.Labels {
			switch label.Name {
			case "__name__":
				name = label.Value
			case labelStudy:
				study = label.Value
			case labelSite:
				site = label.Value
			case labelSubject:
				subject = label.Value
			case labelCategory:
				category = label.Value
			}
		}
		if name != remoteWriteMetric || study == "" || site == "" || subject == "" {
			skipped += len(ts.Samples)
			continue
		}
		cat, ok := ParseIssueCategory(category)
		if !ok {
			skipped += len(ts.Samples)
			continue
		}
		for _, sample := range ts.Samples {
			// Prometheus marks disappeared series with NaN stale markers.
			if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) || sample.Value < 0 {
				skipped++
				continue
			}
			obs = append(obs, Observation{
				StudyID:   study,
				SiteID:    site,
				SubjectID: subject,
				Category:  cat,
				Count:     int(sample.Value),
				Timestamp: sample.Timestamp * int64(time.Millisecond),
			})
		}
	}
	return obs, skipped
}

// handleRemoteWrite decodes a snappy-compressed remote-write payload and
// ingests the converted observations.
func (e *Engine) handleRemoteWrite(w http.ResponseWriter, r *http.Request) {
	if !e.config.HTTP.RemoteWriteEnabled {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req prompb.WriteRequest
	if err := req.Unmarshal(decoded); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	obs, _ := convertRemoteWrite(&req)
	if err := e.IngestBatch(r.Context(), obs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
