package domain

import "encoding/json"

// BrpMethod enumerates the BRP wire methods the core speaks, matching
// spec §6.2. Custom methods are prefixed "bevy_debugger/" and carried in
// BrpRequest.Method verbatim — BrpMethodCustom is only a marker.
type BrpMethod string

const (
	BrpMethodQuery     BrpMethod = "bevy/query"
	BrpMethodGet       BrpMethod = "bevy/get"
	BrpMethodSet       BrpMethod = "bevy/set"
	BrpMethodSpawn     BrpMethod = "bevy/spawn"
	BrpMethodDestroy   BrpMethod = "bevy/destroy"
	BrpMethodInsert    BrpMethod = "bevy/insert"
	BrpMethodRemove    BrpMethod = "bevy/remove"
	BrpMethodReparent  BrpMethod = "bevy/reparent"
	BrpMethodList      BrpMethod = "bevy/list"
	BrpMethodSubscribe BrpMethod = "bevy/subscribe"
	BrpMethodCustom    BrpMethod = "bevy_debugger/custom"
)

// RequestClass groups BRP methods into the capability classes the
// validator and auth layer check against (spec §4.4 rule 3).
type RequestClass string

const (
	RequestClassRead  RequestClass = "read"
	RequestClassWrite RequestClass = "write"
	RequestClassAdmin RequestClass = "admin"
)

// ClassOf returns the capability class a BRP method belongs to.
func (m BrpMethod) ClassOf() RequestClass {
	switch m {
	case BrpMethodQuery, BrpMethodGet, BrpMethodList, BrpMethodSubscribe:
		return RequestClassRead
	case BrpMethodSet, BrpMethodSpawn, BrpMethodInsert, BrpMethodReparent:
		return RequestClassWrite
	case BrpMethodDestroy, BrpMethodRemove:
		return RequestClassWrite
	default:
		return RequestClassAdmin
	}
}

// BrpRequest is a tagged variant request sent to the remote. ID is assigned
// by the client just before send and increases monotonically per
// connection. Params is the variant-specific parameter record, already
// JSON-marshalable.
type BrpRequest struct {
	ID     uint64          `json:"id"`
	Method BrpMethod       `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// BrpErrorPayload is the error arm of a BrpResponse.
type BrpErrorPayload struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// BrpResponse is the tagged-variant {Success|Error} response to a
// BrpRequest, or an unsolicited notification when ID is nil.
type BrpResponse struct {
	ID     *uint64          `json:"id,omitempty"`
	Method string           `json:"method,omitempty"` // set for notifications
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *BrpErrorPayload `json:"error,omitempty"`
}

// IsNotification reports whether this response carries no request id and
// should be routed to topic subscribers rather than an in-flight awaiter.
func (r *BrpResponse) IsNotification() bool {
	return r.ID == nil
}

// IsError reports whether the response is the Error arm of the variant.
func (r *BrpResponse) IsError() bool {
	return r.Error != nil
}

// Notification is a server-pushed BRP event delivered to subscribers of a
// matching topic (entity changes, frame events).
type Notification struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}
