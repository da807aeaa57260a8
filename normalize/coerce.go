package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Epoch is the deterministic fallback for timestamps a payload does not carry.
var Epoch = time.Unix(0, 0).UTC()

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Payload decodes an event payload into a generic map. Numbers are kept as
// json.Number. Anything that is not a JSON object yields an empty map.
func Payload(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return out
	}
	// some producers double-encode the payload as a JSON string
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return out
		}
		raw = []byte(s)
	}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var m map[string]any
	if err := d.Decode(&m); err != nil || m == nil {
		return out
	}
	return m
}

// pick returns the first present, non-nil value among keys.
func pick(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func str(raw map[string]any, keys ...string) string {
	v, ok := pick(raw, keys...)
	if !ok {
		return ""
	}
	return toString(v)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func dec(raw map[string]any, keys ...string) decimal.Decimal {
	v, ok := pick(raw, keys...)
	if !ok {
		return decimal.Zero
	}
	return Decimal(v)
}

// Decimal coerces numbers, numeric strings and bools; anything else is zero.
// Magnitudes outside what a till can hold also coerce to zero.
func Decimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case decimal.Decimal:
		return bounded(t)
	case json.Number:
		if d, err := decimal.NewFromString(t.String()); err == nil {
			return bounded(d)
		}
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			return bounded(decimal.NewFromFloat(t))
		}
	case float32:
		return Decimal(float64(t))
	case int:
		return decimal.NewFromInt(int64(t))
	case int64:
		return decimal.NewFromInt(t)
	case string:
		if d, err := utils.ParseDecimal(strings.ReplaceAll(t, ",", "")); err == nil {
			return bounded(d)
		}
	case bool:
		if t {
			return decimal.NewFromInt(1)
		}
	}
	return decimal.Zero
}

const (
	maxDecimalExponent = 64
	maxCoefficientBits = 256
)

// bounded keeps exponent and coefficient small enough that String stays cheap.
func bounded(d decimal.Decimal) decimal.Decimal {
	if e := d.Exponent(); e > maxDecimalExponent || e < -maxDecimalExponent {
		return decimal.Zero
	}
	if d.Coefficient().BitLen() > maxCoefficientBits {
		return decimal.Zero
	}
	return d
}

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// Int64 truncates d toward zero; values that do not fit an int64 are zero.
func Int64(d decimal.Decimal) int64 {
	d = d.Truncate(0)
	if d.GreaterThan(maxInt64) || d.LessThan(minInt64) {
		return 0
	}
	return d.IntPart()
}

func integer(raw map[string]any, keys ...string) int64 {
	return Int64(Decimal(firstOrNil(raw, keys...)))
}

func firstOrNil(raw map[string]any, keys ...string) any {
	v, _ := pick(raw, keys...)
	return v
}

func boolean(raw map[string]any, keys ...string) bool {
	v, ok := pick(raw, keys...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true
		}
		return false
	default:
		return !Decimal(v).IsZero()
	}
}

// optionalBool reports a boolean only when one of keys is present.
func optionalBool(raw map[string]any, keys ...string) *bool {
	if _, ok := pick(raw, keys...); !ok {
		return nil
	}
	b := boolean(raw, keys...)
	return &b
}

func timestamp(raw map[string]any, keys ...string) (time.Time, bool) {
	v, ok := pick(raw, keys...)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		return time.Time{}, false
	default:
		// epoch milliseconds
		ms := Int64(Decimal(v))
		if ms <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
}

// timestamps resolves createdAt/updatedAt with the fallback chain
// updatedAt -> createdAt -> date -> Epoch.
func timestamps(raw map[string]any, dateKeys ...string) (created, updated time.Time) {
	date, hasDate := timestamp(raw, dateKeys...)
	created, hasCreated := timestamp(raw, "createdAt", "created_at")
	updated, hasUpdated := timestamp(raw, "updatedAt", "updated_at")
	if !hasCreated {
		switch {
		case hasDate:
			created = date
		case hasUpdated:
			created = updated
		default:
			created = Epoch
		}
	}
	if !hasUpdated {
		updated = created
	}
	return created, updated
}

// List coerces a collection field. Accepted shapes: a list, a JSON string of a
// list (or of one object), a single bare object, or null/absent. Malformed
// JSON degrades to an empty list with a logged warning.
func List(v any, field string) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case []map[string]any:
		out := make([]any, 0, len(t))
		for _, m := range t {
			out = append(out, m)
		}
		return out
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out
	case map[string]any:
		return []any{t}
	case string:
		s := strings.TrimSpace(t)
		if s == "" || s == "null" {
			return []any{}
		}
		d := json.NewDecoder(strings.NewReader(s))
		d.UseNumber()
		var decoded any
		if err := d.Decode(&decoded); err != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"module": "normalize",
				"field":  field,
			}).Warn("malformed json collection, using empty list: " + err.Error())
			return []any{}
		}
		if single, isString := decoded.(string); isString {
			return []any{single}
		}
		return List(decoded, field)
	default:
		return []any{}
	}
}

func objects(raw map[string]any, field string, keys ...string) []map[string]any {
	items := List(firstOrNil(raw, keys...), field)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringList(raw map[string]any, field string, keys ...string) []string {
	items := List(firstOrNil(raw, keys...), field)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := toString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func defaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
