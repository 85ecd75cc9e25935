package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ubipo/water-well-level/modem"
)

// Poster sends an HTTP POST. *modem.Modem implements it.
type Poster interface {
	Post(ctx context.Context, url string, body []byte, timeout time.Duration) (*modem.HTTPResponse, error)
}

// Uploader posts batches of measurements to the collector.
type Uploader struct {
	Poster Poster
	// BaseURL is the collector root, e.g. "https://example.com".
	BaseURL string
	// Token authenticates the node to the collector.
	Token string
	// Timeout bounds the wait for the HTTP result.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Receipt describes a delivered batch.
type Receipt struct {
	Status int
	// RTT is the time from handing the batch to the modem until the
	// response body was read.
	RTT time.Duration
	// ServerTime is the collector's clock, zero if the response had none.
	ServerTime time.Time
}

// CorrectedTime is the collector's clock advanced by a third of the round
// trip, a compromise that biases the result slightly late rather than early.
func (r Receipt) CorrectedTime() time.Time {
	return r.ServerTime.Add(r.RTT / 3)
}

// MeasurementURL is where batches are posted.
func MeasurementURL(base, token string) string {
	return strings.TrimSuffix(base, "/") + "/measurement?" + url.Values{"token": {token}}.Encode()
}

// FallbackURL encodes a single measurement in a GET request, for links that
// cannot POST.
func FallbackURL(base, token string, m Measurement) string {
	q := url.Values{
		"distanceMM":     {strconv.FormatUint(uint64(m.DistanceMM), 10)},
		"batteryVoltage": {strconv.FormatFloat(m.BatteryVoltage, 'f', -1, 64)},
		"token":          {token},
	}
	return strings.TrimSuffix(base, "/") + "/postMeasurementFallback?" + q.Encode()
}

// Upload posts ms as a JSON array. Any error means the batch must be
// considered not delivered.
func (u *Uploader) Upload(ctx context.Context, ms []Measurement) (Receipt, error) {
	if u.Token == "" {
		return Receipt{}, ErrNoToken
	}
	body, err := json.Marshal(ms)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode batch: %w", err)
	}

	start := time.Now()
	resp, err := u.Poster.Post(ctx, MeasurementURL(u.BaseURL, u.Token), body, u.Timeout)
	if err != nil {
		return Receipt{}, fmt.Errorf("post batch: %w", err)
	}
	receipt := Receipt{Status: resp.Status, RTT: time.Since(start)}
	u.logger().Info("Batch delivered", "count", len(ms), "status", resp.Status, "rtt", receipt.RTT)

	now, err := ParseServerTime(resp.Body)
	if err != nil {
		u.logger().Warn("Collector time unavailable", "error", err, "body", string(resp.Body))
		return receipt, nil
	}
	receipt.ServerTime = time.Unix(now, 0)
	return receipt, nil
}

func (u *Uploader) logger() *slog.Logger {
	if u.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return u.Logger
}

var nowKey = []byte(`"now":`)

// ParseServerTime extracts the integer "now" field of a collector response
// without decoding the rest of the body: the value is the span between the
// key and the next ',' or '}'.
func ParseServerTime(body []byte) (int64, error) {
	i := bytes.Index(body, nowKey)
	if i < 0 {
		return 0, ErrNoServerTime
	}
	rest := body[i+len(nowKey):]
	end := bytes.IndexAny(rest, ",}")
	if end < 0 {
		return 0, fmt.Errorf("%w: unterminated value", ErrMalformedServerTime)
	}

	value := strings.TrimSpace(string(rest[:end]))
	now, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedServerTime, value)
	}
	return now, nil
}
