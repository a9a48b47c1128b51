package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPayload is wrapped by every error returned from ParseReading.
var ErrMalformedPayload = errors.New("malformed payload")

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e12

// Epoch timestamps must fall within years 1 to 9999.
const (
	minEpochSeconds = -62135596800
	maxEpochSeconds = 253402300799
)

var epochPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

type ConsumptionReading struct {
	Timestamp        string  `json:"timestamp"`                  // ISO-8601 or epoch seconds/millis, as received
	Demand           float64 `json:"demand"`                     // W
	TotalConsumption float64 `json:"totalConsumption,omitempty"` // Wh, optional
}

// NewReading builds a reading stamped with t in RFC 3339 form.
func NewReading(t time.Time, demand float64) ConsumptionReading {
	return ConsumptionReading{
		Timestamp: t.UTC().Format(time.RFC3339Nano),
		Demand:    demand,
	}
}

// Time returns the parsed timestamp. Readings produced by ParseReading always
// carry a parseable timestamp; for anything else the zero time is returned.
func (r ConsumptionReading) Time() time.Time {
	t, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r ConsumptionReading) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ParseReading decodes a server message into a ConsumptionReading. Both
// timestamp and demand are required; demand must be a JSON number and
// timestamp a JSON string accepted by ParseTimestamp.
func ParseReading(data []byte) (ConsumptionReading, error) {
	var raw struct {
		Timestamp        json.RawMessage `json:"timestamp"`
		Demand           json.RawMessage `json:"demand"`
		TotalConsumption json.RawMessage `json:"totalConsumption"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ConsumptionReading{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedPayload, err)
	}

	timestamp, err := decodeTimestamp(raw.Timestamp)
	if err != nil {
		return ConsumptionReading{}, err
	}
	demand, err := decodeNumber("demand", raw.Demand, true)
	if err != nil {
		return ConsumptionReading{}, err
	}
	total, err := decodeNumber("totalConsumption", raw.TotalConsumption, false)
	if err != nil {
		return ConsumptionReading{}, err
	}

	return ConsumptionReading{
		Timestamp:        timestamp,
		Demand:           demand,
		TotalConsumption: total,
	}, nil
}

func decodeTimestamp(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", fmt.Errorf("%w: missing timestamp", ErrMalformedPayload)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: timestamp is not a string: %s", ErrMalformedPayload, raw)
	}
	if _, err := ParseTimestamp(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return s, nil
}

func decodeNumber(field string, raw json.RawMessage, required bool) (float64, error) {
	if isAbsent(raw) {
		if required {
			return 0, fmt.Errorf("%w: missing %s", ErrMalformedPayload, field)
		}
		return 0, nil
	}
	// Only a bare JSON number is accepted, never a quoted one.
	if raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
		return 0, fmt.Errorf("%w: %s is not a number: %s", ErrMalformedPayload, field, raw)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %s is not a number: %v", ErrMalformedPayload, field, err)
	}
	return v, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// ParseTimestamp accepts RFC 3339 timestamps (fractional seconds optional)
// and numeric epoch strings. Epoch values at or above 1e12 are taken as
// milliseconds, anything smaller as seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}

	if !epochPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	epoch, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}

	millis := math.Abs(epoch) >= epochMillisThreshold
	sec := epoch
	if millis {
		sec = epoch / 1000
	}
	if sec < minEpochSeconds || sec > maxEpochSeconds {
		return time.Time{}, fmt.Errorf("timestamp %q out of range", s)
	}

	whole, frac := math.Modf(epoch)
	if millis {
		return time.UnixMilli(int64(whole)).Add(time.Duration(frac * float64(time.Millisecond))).UTC(), nil
	}
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
