// Package schema defines the JSON documents exchanged between crowdgate
// clients, the HTTP API, the TCP store protocol and the blob store.
package schema

import "time"

// ClaimRequest asks for exclusive occupation of a unit.
type ClaimRequest struct {
	Identifier  string `json:"identifier" binding:"required"`
	UnitID      string `json:"unit_id" binding:"required"`
	IPAddress   string `json:"ip_address"`
	TokenInput  string `json:"token_input"`
	TokenOutput string `json:"token_output"`
}

// ClaimResult reports the outcome of a claim. Losing is a normal result.
type ClaimResult struct {
	Claimed bool   `json:"claimed"`
	Winner  string `json:"winner,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Holder is one ACL row as shown to administrators.
type Holder struct {
	Identifier    string     `json:"identifier"`
	UnitID        string     `json:"unit_id"`
	IPAddress     string     `json:"ip_address,omitempty"`
	InProgress    bool       `json:"in_progress"`
	Paid          bool       `json:"paid"`
	TimeArrival   *time.Time `json:"time_arrival,omitempty"`
	TimeRemoval   *time.Time `json:"time_removal,omitempty"`
	AccessCounter int        `json:"access_counter"`
	ClaimMarker   string     `json:"claim_marker,omitempty"`
}

// AdmissionRequest asks whether a worker may start a task. Scales and
// AssignedScale fall back to the task settings document when empty.
type AdmissionRequest struct {
	Identifier    string   `json:"identifier" binding:"required"`
	Task          string   `json:"task" binding:"required"`
	Batch         string   `json:"batch" binding:"required"`
	Scales        []string `json:"scales,omitempty"`
	AssignedScale string   `json:"assigned_scale,omitempty"`
}

type AdmissionResult struct {
	State   string `json:"state"`
	Allowed bool   `json:"allowed"`
	Error   string `json:"error,omitempty"`
}

// RecordRequest carries one data record. The session owns SequenceNumber;
// the response returns the value to send next.
type RecordRequest struct {
	Identifier     string         `json:"identifier" binding:"required"`
	IPAddress      string         `json:"ip_address"`
	Task           string         `json:"task"`
	Batch          string         `json:"batch"`
	UnitID         string         `json:"unit_id" binding:"required"`
	TokenInput     string         `json:"token_input"`
	TokenOutput    string         `json:"token_output"`
	TryCurrent     int            `json:"try_current"`
	SequenceNumber int            `json:"sequence_number"`
	SameSequence   bool           `json:"same_sequence"`
	Payload        map[string]any `json:"payload"`
}

type RecordResult struct {
	Sequence           string `json:"sequence"`
	NextSequenceNumber int    `json:"next_sequence_number"`
}

// Registry is the worker registry document kept per task scale at
// <task>/<batch>/Task/workers.json.
type Registry struct {
	Started []string `json:"started"`
}

// Has reports whether identifier already started.
func (r Registry) Has(identifier string) bool {
	for _, id := range r.Started {
		if id == identifier {
			return true
		}
	}
	return false
}

// TaskSettings is the task configuration document at
// <task>/<batch>/Task/settings.json.
type TaskSettings struct {
	Scales        []string `json:"scales,omitempty"`
	AssignedScale string   `json:"assigned_scale,omitempty"`
}

// StoreRequest is the payload of one TCP store command.
type StoreRequest struct {
	Table    string         `json:"table"`
	Index    string         `json:"index,omitempty"`
	KeyName  string         `json:"key_name,omitempty"`
	KeyValue any            `json:"key_value,omitempty"`
	Token    string         `json:"token,omitempty"`
	Item     map[string]any `json:"item,omitempty"`
	Key      map[string]any `json:"key,omitempty"`
	Sets     map[string]any `json:"sets,omitempty"`
}

// StoreFailure is the payload of an ERR reply that carries a typed error.
type StoreFailure struct {
	Kind    string `json:"kind"` // "store", "schema" or "type"
	Op      string `json:"op,omitempty"`
	Table   string `json:"table,omitempty"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
	Missing bool   `json:"missing,omitempty"`
}
