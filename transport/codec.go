// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apptrackit/trackit-sync/measure"
)

// RemoteMetric is a decoded backend entry
type RemoteMetric struct {
	ID        int64
	Kind      measure.Kind
	Value     float64
	Date      time.Time // midnight of Day in the codec location
	Day       string
	Origin    measure.Origin
	CreatedAt time.Time // zero when the backend omitted it
}

// Key returns the dedup key of the entry
func (m RemoteMetric) Key() measure.Key {
	return measure.Key{Kind: m.Kind, Day: m.Day}
}

// Listing is the decoded remote listing. Malformed entries are left out of
// Entries and reported individually.
type Listing struct {
	Entries   []RemoteMetric
	Malformed []*MalformedRecordError
	Total     int
}

// Codec translates between local records and the backend wire format
type Codec struct {
	// Location is used to place remote calendar days on the device timeline
	Location *time.Location
}

// NewCodec creates a codec that interprets remote days in loc (time.Local when nil)
func NewCodec(loc *time.Location) Codec {
	if loc == nil {
		loc = time.Local
	}
	return Codec{Location: loc}
}

func checkEncodable(rec measure.Record) (int, error) {
	if rec.Kind.IsDerived() {
		return 0, fmt.Errorf("%w: %s is a derived kind", ErrUnsyncable, rec.Kind)
	}
	typeID, ok := rec.Kind.RemoteTypeID()
	if !ok {
		return 0, fmt.Errorf("%w: unknown kind %q", ErrUnsyncable, rec.Kind)
	}
	if math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0) {
		return 0, fmt.Errorf("%w: value %v is not finite", ErrUnsyncable, rec.Value)
	}
	if rec.Date.IsZero() {
		return 0, fmt.Errorf("%w: missing date", ErrUnsyncable)
	}
	return typeID, nil
}

// EncodeCreate builds the create request for a record
func (c Codec) EncodeCreate(rec measure.Record) (CreateMetricRequest, error) {
	typeID, err := checkEncodable(rec)
	if err != nil {
		return CreateMetricRequest{}, err
	}
	return CreateMetricRequest{
		MetricTypeID:   typeID,
		Value:          rec.Value,
		Date:           measure.Day(rec.Date),
		IsHealthBridge: rec.Origin == measure.OriginHealthBridge,
	}, nil
}

// EncodeUpdate builds the update request for a record
func (c Codec) EncodeUpdate(rec measure.Record) (UpdateMetricRequest, error) {
	if _, err := checkEncodable(rec); err != nil {
		return UpdateMetricRequest{}, err
	}
	return UpdateMetricRequest{
		Value: rec.Value,
		Date:  measure.Day(rec.Date),
	}, nil
}

// DecodeEntry decodes one raw listing entry
func (c Codec) DecodeEntry(raw json.RawMessage) (RemoteMetric, error) {
	var entry struct {
		ID             int64           `json:"id"`
		MetricTypeID   int             `json:"metric_type_id"`
		Value          json.RawMessage `json:"value"`
		Date           string          `json:"date"`
		IsHealthBridge *bool           `json:"is_health_bridge"`
		CreatedAt      string          `json:"created_at"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return RemoteMetric{}, fmt.Errorf("invalid entry: %w", err)
	}
	out := RemoteMetric{ID: entry.ID, Origin: measure.OriginManual}
	if entry.ID <= 0 {
		return out, errors.New("missing id")
	}

	kind, ok := measure.KindForRemoteType(entry.MetricTypeID)
	if !ok {
		return out, fmt.Errorf("unknown metric_type_id %d", entry.MetricTypeID)
	}
	out.Kind = kind

	value, err := parseValue(entry.Value)
	if err != nil {
		return out, err
	}
	out.Value = value

	date, err := c.parseDate(entry.Date)
	if err != nil {
		return out, err
	}
	out.Date = date
	out.Day = measure.Day(date)

	if entry.IsHealthBridge != nil && *entry.IsHealthBridge {
		out.Origin = measure.OriginHealthBridge
	}
	if entry.CreatedAt != "" {
		// created_at is informational; a bad value does not reject the entry
		if ts, err := time.Parse(time.RFC3339, entry.CreatedAt); err == nil {
			out.CreatedAt = ts
		}
	}
	return out, nil
}

// DecodeEntries decodes every entry of a page, skipping malformed ones.
// offset is the page position within the full listing.
func (c Codec) DecodeEntries(raws []json.RawMessage, offset int) ([]RemoteMetric, []*MalformedRecordError) {
	entries := make([]RemoteMetric, 0, len(raws))
	var malformed []*MalformedRecordError
	for i, raw := range raws {
		m, err := c.DecodeEntry(raw)
		if err != nil {
			malformed = append(malformed, &MalformedRecordError{Index: offset + i, ID: m.ID, Err: err})
			continue
		}
		entries = append(entries, m)
	}
	return entries, malformed
}

// DecodeListing decodes a full GET /metrics body
func (c Codec) DecodeListing(body []byte) (*Listing, error) {
	var resp ListMetricsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	entries, malformed := c.DecodeEntries(resp.Entries, 0)
	return &Listing{Entries: entries, Malformed: malformed, Total: resp.Total}, nil
}

// parseValue accepts a decimal string (the backend format) or a bare JSON number
func parseValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing value")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("invalid value: %w", err)
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// parseDate accepts a calendar day or a full RFC3339 timestamp, keeping only the day
func (c Codec) parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing date")
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	if len(s) > len(measure.DayLayout) {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
		}
		s = ts.Format(measure.DayLayout)
	}
	return measure.ParseDay(s, loc)
}
