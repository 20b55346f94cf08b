// Package acl models a worker's claim on a work unit as stored in the ACL table.
package acl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/crowdgate/pkg/sdk"
)

// Attribute names of an ACL item.
const (
	AttrIdentifier    = "identifier"
	AttrUnitID        = "unit_id"
	AttrIPAddress     = "ip_address"
	AttrTokenInput    = "token_input"
	AttrTokenOutput   = "token_output"
	AttrInProgress    = "in_progress"
	AttrPaid          = "paid"
	AttrTimeArrival   = "time_arrival"
	AttrTimeRemoval   = "time_removal"
	AttrAccessCounter = "access_counter"
	AttrClaimMarker   = "claim_marker"
)

// TimeLayout renders timestamps with millisecond precision in UTC, e.g.
// 2024-05-01T12:00:00.123Z. Any RFC 3339 value is accepted on read.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is one worker's occupation (attempted or actual) of one unit.
type Record struct {
	Identifier    string
	UnitID        string
	IPAddress     string
	TokenInput    string
	TokenOutput   string
	InProgress    bool
	Paid          bool
	TimeArrival   time.Time
	TimeRemoval   time.Time
	AccessCounter int
	// ClaimMarker correlates a row with the attempt that wrote it. It is
	// diagnostic only and never takes part in precedence decisions.
	ClaimMarker string
}

// ActiveUnpaid reports whether the record currently holds its unit.
// At most one record per unit may be active unpaid.
func (r Record) ActiveUnpaid() bool {
	return r.InProgress && !r.Paid
}

// Item encodes r the way the ACL table stores it: booleans as "true"/"false"
// strings and timestamps in TimeLayout. Zero timestamps are omitted.
func (r Record) Item() sdk.Item {
	item := sdk.Item{
		AttrIdentifier:    r.Identifier,
		AttrUnitID:        r.UnitID,
		AttrIPAddress:     r.IPAddress,
		AttrTokenInput:    r.TokenInput,
		AttrTokenOutput:   r.TokenOutput,
		AttrInProgress:    strconv.FormatBool(r.InProgress),
		AttrPaid:          strconv.FormatBool(r.Paid),
		AttrAccessCounter: r.AccessCounter,
	}
	if !r.TimeArrival.IsZero() {
		item[AttrTimeArrival] = FormatTime(r.TimeArrival)
	}
	if !r.TimeRemoval.IsZero() {
		item[AttrTimeRemoval] = FormatTime(r.TimeRemoval)
	}
	if r.ClaimMarker != "" {
		item[AttrClaimMarker] = r.ClaimMarker
	}
	return item
}

// FromItem decodes an ACL item. Missing attributes decode to zero values and
// an unparseable timestamp decodes to the zero time.
func FromItem(item sdk.Item) Record {
	return Record{
		Identifier:    str(item[AttrIdentifier]),
		UnitID:        str(item[AttrUnitID]),
		IPAddress:     str(item[AttrIPAddress]),
		TokenInput:    str(item[AttrTokenInput]),
		TokenOutput:   str(item[AttrTokenOutput]),
		InProgress:    flag(item[AttrInProgress]),
		Paid:          flag(item[AttrPaid]),
		TimeArrival:   ParseTime(str(item[AttrTimeArrival])),
		TimeRemoval:   ParseTime(str(item[AttrTimeRemoval])),
		AccessCounter: count(item[AttrAccessCounter]),
		ClaimMarker:   str(item[AttrClaimMarker]),
	}
}

// FromItems decodes a slice of ACL items.
func FromItems(items []sdk.Item) []Record {
	out := make([]Record, 0, len(items))
	for _, item := range items {
		out = append(out, FromItem(item))
	}
	return out
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts any RFC 3339 timestamp and returns the zero time otherwise.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func flag(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	}
	return false
}

func count(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}
