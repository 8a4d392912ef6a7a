package stream

import (
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zones must resolve on hosts without a zoneinfo database

	json "github.com/goccy/go-json"
)

// readableLayout matches en-US toLocaleString output, e.g. "7/4/2024, 12:00:00 PM".
const readableLayout = "1/2/2006, 3:04:05 PM"

const partitionKeyLength = 15

// FormatRecord applies the defaults to a copy of r and encodes it.
//
//   - tags: a slice is kept, a single value becomes a one-element slice,
//     absent becomes [].
//   - timestamp: epoch milliseconds of the call when absent.
//   - timestampReadable: the call time in the configured zone plus suffix
//     when absent.
//
// A value counts as absent when it is nil, "", false or numeric zero. r is not
// modified.
func (p *Publisher) FormatRecord(r Record) (FormattedRecord, error) {
	now := p.now()

	merged := make(Record, len(r)+3)
	maps.Copy(merged, r)

	merged["tags"] = normalizeTags(r["tags"])
	if isAbsent(r["timestamp"]) {
		merged["timestamp"] = now.UnixMilli()
	}
	if isAbsent(r["timestampReadable"]) {
		merged["timestampReadable"] = p.readable(now)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return FormattedRecord{}, fmt.Errorf("failed to encode record: %w", err)
	}

	return FormattedRecord{
		Data:         data,
		PartitionKey: p.partitionKey(now),
	}, nil
}

func (p *Publisher) readable(now time.Time) string {
	return now.In(p.location).Format(readableLayout) + " " + p.abbrev
}

// partitionKey scales the epoch milliseconds by a random fraction, drops the
// decimal point and cuts or right-pads the digits to 15 characters.
//
// Keys are not unique. Two calls in the same millisecond draw from the same
// range and may collide; Kinesis only uses the key to pick a shard.
func (p *Publisher) partitionKey(now time.Time) string {
	v := float64(now.UnixMilli()) * p.float64()
	digits := strings.Replace(strconv.FormatFloat(v, 'f', -1, 64), ".", "", 1)
	if len(digits) >= partitionKeyLength {
		return digits[:partitionKeyLength]
	}
	return digits + strings.Repeat("0", partitionKeyLength-len(digits))
}

func normalizeTags(v any) any {
	if isAbsent(v) {
		return []any{}
	}
	switch t := v.(type) {
	case []any, []string:
		return t
	case []byte:
		return []any{string(t)}
	}
	if k := reflect.TypeOf(v).Kind(); k == reflect.Slice || k == reflect.Array {
		return v
	}
	return []any{v}
}

func isAbsent(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case json.Number:
		return t == "" || t == "0"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return rv.IsZero()
	default:
		return false
	}
}

// isDSTObserved reports whether daylight-saving time is in effect at now, in
// now's location. The standard offset is taken to be the smaller of the
// January 1 and July 1 offsets of the same year; a larger current offset
// means DST. Zones without a seasonal change never report DST.
func isDSTObserved(now time.Time) bool {
	loc := now.Location()
	_, jan := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(now.Year(), time.July, 1, 0, 0, 0, 0, loc).Zone()
	_, cur := now.Zone()
	return cur > min(jan, jul)
}
