package collector_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ubipo/water-well-level/collector"
)

var testNow = time.Unix(1_700_000_000, 0)

func testConfig() collector.Config {
	return collector.Config{
		SensorHeightMM:      5000,
		WriteToken:          "node-secret",
		ReadToken:           "reader-secret",
		MeasurementInterval: time.Hour,
		MaxClockSkew:        time.Minute,
	}
}

type failingStore struct{}

func (failingStore) Put(context.Context, []collector.Record) error {
	return errors.New("disk full")
}

func (failingStore) List(context.Context) ([]collector.Record, error) {
	return nil, errors.New("disk full")
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return n.err
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func newTestServer(store collector.Store) (*collector.Server, *httptest.Server) {
	s := &collector.Server{
		Logger: slog.New(slog.DiscardHandler),
		Store:  store,
		Config: testConfig(),
		Now:    func() time.Time { return testNow },
	}
	return s, httptest.NewServer(s)
}

func do(t *testing.T, method, url, auth, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body error = %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestPostMeasurement(t *testing.T) {
	t.Run("batch is stored and listed", func(t *testing.T) {
		store := &collector.MemoryStore{}
		_, ts := newTestServer(store)
		defer ts.Close()

		body := `[{"timeS":1699999500,"distanceMM":1250,"batteryVoltage":3.8},
			{"timeS":1699999000,"distanceMM":1200,"batteryVoltage":3.9}]`
		status, resp := do(t, http.MethodPost, ts.URL+"/measurement?token=node-secret", "", body)
		if status != http.StatusOK {
			t.Fatalf("status = %d, body %s", status, resp)
		}
		if want := `{"now":1700000000,"stored":2}`; resp != want {
			t.Errorf("body = %s, want %s", resp, want)
		}

		status, resp = do(t, http.MethodGet, ts.URL+"/measurement", "reader-secret", "")
		if status != http.StatusOK {
			t.Fatalf("list status = %d, body %s", status, resp)
		}
		if !strings.HasPrefix(resp, `{"now":1700000000,`) {
			t.Errorf("list body does not start with now: %s", resp)
		}
		var list struct {
			Measurements []collector.Record `json:"measurements"`
		}
		if err := json.Unmarshal([]byte(resp), &list); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if len(list.Measurements) != 2 {
			t.Fatalf("listed %d measurements, want 2", len(list.Measurements))
		}
		first := list.Measurements[0]
		if first.TimeS != 1699999000 || first.WaterLevelMM != 3800 || first.DistanceMM != 1200 {
			t.Errorf("first = %+v", first)
		}
		if first.BatteryVoltage == nil || *first.BatteryVoltage != 3.9 {
			t.Errorf("first battery = %v, want 3.9", first.BatteryVoltage)
		}
	})

	t.Run("single object and bearer token", func(t *testing.T) {
		store := &collector.MemoryStore{}
		_, ts := newTestServer(store)
		defer ts.Close()

		status, resp := do(t, http.MethodPost, ts.URL+"/measurement", "node-secret", `{"timeS":1699999000,"distanceMM":0}`)
		if status != http.StatusOK {
			t.Fatalf("status = %d, body %s", status, resp)
		}
		records, _ := store.List(context.Background())
		if len(records) != 1 || records[0].WaterLevelMM != 5000 || records[0].BatteryVoltage != nil {
			t.Errorf("records = %+v", records)
		}
	})

	t.Run("same time replaces", func(t *testing.T) {
		store := &collector.MemoryStore{}
		_, ts := newTestServer(store)
		defer ts.Close()

		do(t, http.MethodPost, ts.URL+"/measurement?token=node-secret", "", `[{"timeS":10,"distanceMM":100}]`)
		do(t, http.MethodPost, ts.URL+"/measurement?token=node-secret", "", `[{"timeS":10,"distanceMM":200}]`)
		records, _ := store.List(context.Background())
		if len(records) != 1 || records[0].DistanceMM != 200 {
			t.Errorf("records = %+v", records)
		}
	})

	tests := []struct {
		name   string
		url    string
		body   string
		status int
	}{
		{"wrong token", "/measurement?token=nope", `[{"timeS":1,"distanceMM":1}]`, http.StatusUnauthorized},
		{"missing token", "/measurement", `[{"timeS":1,"distanceMM":1}]`, http.StatusUnauthorized},
		{"read token cannot write", "/measurement?token=reader-secret", `[{"timeS":1,"distanceMM":1}]`, http.StatusUnauthorized},
		{"malformed json", "/measurement?token=node-secret", `[{"timeS":`, http.StatusBadRequest},
		{"empty batch", "/measurement?token=node-secret", `[]`, http.StatusBadRequest},
		{"missing distance", "/measurement?token=node-secret", `[{"timeS":1}]`, http.StatusBadRequest},
		{"missing time", "/measurement?token=node-secret", `[{"distanceMM":1}]`, http.StatusBadRequest},
		{"distance beyond sensor height", "/measurement?token=node-secret", `[{"timeS":1,"distanceMM":5001}]`, http.StatusBadRequest},
		{"negative distance", "/measurement?token=node-secret", `[{"timeS":1,"distanceMM":-1}]`, http.StatusBadRequest},
		{"negative time", "/measurement?token=node-secret", `[{"timeS":-5,"distanceMM":1}]`, http.StatusBadRequest},
		{"time in the future", "/measurement?token=node-secret", `[{"timeS":1700000061,"distanceMM":1}]`, http.StatusBadRequest},
		{"battery too low", "/measurement?token=node-secret", `[{"timeS":1,"distanceMM":1,"batteryVoltage":0.5}]`, http.StatusBadRequest},
		{"battery too high", "/measurement?token=node-secret", `[{"timeS":1,"distanceMM":1,"batteryVoltage":5.5}]`, http.StatusBadRequest},
		{"one bad record rejects the batch", "/measurement?token=node-secret", `[{"timeS":1,"distanceMM":1},{"timeS":2,"distanceMM":9999}]`, http.StatusBadRequest},
		{"clock skew allowed", "/measurement?token=node-secret", `[{"timeS":1700000060,"distanceMM":1}]`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &collector.MemoryStore{}
			_, ts := newTestServer(store)
			defer ts.Close()

			status, resp := do(t, http.MethodPost, ts.URL+tt.url, "", tt.body)
			if status != tt.status {
				t.Fatalf("status = %d, want %d, body %s", status, tt.status, resp)
			}
			records, _ := store.List(context.Background())
			if tt.status != http.StatusOK && len(records) != 0 {
				t.Errorf("rejected request stored %d records", len(records))
			}
			if tt.status != http.StatusOK && !strings.Contains(resp, `"message"`) {
				t.Errorf("error body %s has no message", resp)
			}
		})
	}

	t.Run("store failure", func(t *testing.T) {
		_, ts := newTestServer(failingStore{})
		defer ts.Close()

		status, _ := do(t, http.MethodPost, ts.URL+"/measurement?token=node-secret", "", `[{"timeS":1,"distanceMM":1}]`)
		if status != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", status)
		}
	})
}

func TestFallback(t *testing.T) {
	t.Run("stores dated now", func(t *testing.T) {
		store := &collector.MemoryStore{}
		_, ts := newTestServer(store)
		defer ts.Close()

		status, resp := do(t, http.MethodGet, ts.URL+"/postMeasurementFallback?batteryVoltage=3.7&distanceMM=1000&token=node-secret", "", "")
		if status != http.StatusOK {
			t.Fatalf("status = %d, body %s", status, resp)
		}
		if !strings.HasPrefix(resp, `{"now":1700000000`) {
			t.Errorf("body = %s", resp)
		}
		records, _ := store.List(context.Background())
		if len(records) != 1 {
			t.Fatalf("stored %d records, want 1", len(records))
		}
		if r := records[0]; r.TimeS != testNow.Unix() || r.WaterLevelMM != 4000 || *r.BatteryVoltage != 3.7 {
			t.Errorf("record = %+v", r)
		}
	})

	t.Run("not a number", func(t *testing.T) {
		_, ts := newTestServer(&collector.MemoryStore{})
		defer ts.Close()

		status, _ := do(t, http.MethodGet, ts.URL+"/postMeasurementFallback?distanceMM=abc&token=node-secret", "", "")
		if status != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", status)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		_, ts := newTestServer(&collector.MemoryStore{})
		defer ts.Close()

		status, _ := do(t, http.MethodGet, ts.URL+"/postMeasurementFallback?distanceMM=1", "", "")
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})
}

func TestListMeasurements(t *testing.T) {
	t.Run("write token cannot read", func(t *testing.T) {
		_, ts := newTestServer(&collector.MemoryStore{})
		defer ts.Close()

		status, _ := do(t, http.MethodGet, ts.URL+"/measurement", "node-secret", "")
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", status)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, ts := newTestServer(&collector.MemoryStore{})
		defer ts.Close()

		_, resp := do(t, http.MethodGet, ts.URL+"/measurement", "reader-secret", "")
		if want := `{"now":1700000000,"measurements":[]}`; resp != want {
			t.Errorf("body = %s, want %s", resp, want)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		_, ts := newTestServer(failingStore{})
		defer ts.Close()

		status, _ := do(t, http.MethodGet, ts.URL+"/measurement", "reader-secret", "")
		if status != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", status)
		}
	})
}

func TestHealthAndConfig(t *testing.T) {
	_, ts := newTestServer(&collector.MemoryStore{})
	defer ts.Close()

	status, resp := do(t, http.MethodGet, ts.URL+"/health", "", "")
	if status != http.StatusOK || resp != `{"now":1700000000}` {
		t.Errorf("health = %d %s", status, resp)
	}

	status, resp = do(t, http.MethodGet, ts.URL+"/config?token=node-secret", "", "")
	if want := `{"now":1700000000,"sensorHeightMM":5000,"measurementIntervalS":3600}`; status != http.StatusOK || resp != want {
		t.Errorf("config = %d %s, want %s", status, resp, want)
	}

	status, _ = do(t, http.MethodPost, ts.URL+"/health", "", "")
	if status != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", status)
	}
}

func TestUpdateConfig(t *testing.T) {
	t.Run("new sensor height applies to later measurements", func(t *testing.T) {
		store := &collector.MemoryStore{}
		_, ts := newTestServer(store)
		defer ts.Close()

		status, resp := do(t, http.MethodPost, ts.URL+"/config/sensorHeightMM", "reader-secret", `{"value":6000}`)
		if want := `{"now":1700000000,"key":"sensorHeightMM","value":6000}`; status != http.StatusOK || resp != want {
			t.Fatalf("update = %d %s, want %s", status, resp, want)
		}
		status, resp = do(t, http.MethodPost, ts.URL+"/config/measurementIntervalS", "reader-secret", `{"value":1800}`)
		if status != http.StatusOK {
			t.Fatalf("update = %d %s", status, resp)
		}

		status, resp = do(t, http.MethodGet, ts.URL+"/config?token=node-secret", "", "")
		if want := `{"now":1700000000,"sensorHeightMM":6000,"measurementIntervalS":1800}`; status != http.StatusOK || resp != want {
			t.Errorf("config = %d %s, want %s", status, resp, want)
		}

		status, resp = do(t, http.MethodPost, ts.URL+"/measurement", "node-secret", `{"timeS":1699999000,"distanceMM":1000}`)
		if status != http.StatusOK {
			t.Fatalf("status = %d, body %s", status, resp)
		}
		records, _ := store.List(context.Background())
		if len(records) != 1 || records[0].WaterLevelMM != 5000 {
			t.Errorf("records = %+v", records)
		}
	})

	tests := []struct {
		name   string
		key    string
		auth   string
		body   string
		status int
	}{
		{"write token cannot configure", "sensorHeightMM", "node-secret", `{"value":6000}`, http.StatusUnauthorized},
		{"unknown key", "writeToken", "reader-secret", `{"value":1}`, http.StatusNotFound},
		{"not JSON", "sensorHeightMM", "reader-secret", `6000`, http.StatusBadRequest},
		{"missing value", "sensorHeightMM", "reader-secret", `{}`, http.StatusBadRequest},
		{"not a number", "sensorHeightMM", "reader-secret", `{"value":"high"}`, http.StatusBadRequest},
		{"zero height", "sensorHeightMM", "reader-secret", `{"value":0}`, http.StatusBadRequest},
		{"negative skew", "maxClockSkewS", "reader-secret", `{"value":-1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(&collector.MemoryStore{})
			defer ts.Close()

			status, resp := do(t, http.MethodPost, ts.URL+"/config/"+tt.key, tt.auth, tt.body)
			if status != tt.status {
				t.Errorf("status = %d %s, want %d", status, resp, tt.status)
			}
			_, resp = do(t, http.MethodGet, ts.URL+"/config?token=node-secret", "", "")
			if want := `{"now":1700000000,"sensorHeightMM":5000,"measurementIntervalS":3600}`; resp != want {
				t.Errorf("config changed to %s", resp)
			}
		})
	}
}

func TestServerAlertsOnNewestRecord(t *testing.T) {
	notifier := &recordingNotifier{}
	s, ts := newTestServer(&collector.MemoryStore{})
	defer ts.Close()
	s.Watcher = &collector.Watcher{
		Thresholds: collector.Thresholds{LowerMM: 1000, NotifyInterval: time.Hour},
		Notifier:   notifier,
		Logger:     slog.New(slog.DiscardHandler),
	}

	// Newest record is low, the older one is fine.
	body := `[{"timeS":1699999900,"distanceMM":4500},{"timeS":1699990000,"distanceMM":100}]`
	status, _ := do(t, http.MethodPost, ts.URL+"/measurement?token=node-secret", "", body)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	sent := notifier.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "500 mm below 1000 mm") {
		t.Errorf("alerts = %q", sent)
	}
}
