package replica

import (
	"encoding/json"
	"fmt"
)

// wire payload shapes. Transport-agnostic JSON, multiplexed by
// (namespace, endpoint)

const DefaultNamespace = "replica"

const (
	EndpointCreate       = "create"
	EndpointDestroy      = "destroy"
	EndpointSetParent    = "set_parent"
	EndpointValueChanged = "value_changed"
	EndpointArraySet     = "array_set"
	EndpointArrayInsert  = "array_insert"
	EndpointArrayRemove  = "array_remove"
	EndpointSignal       = "signal"
	EndpointCall         = "call"
	EndpointResponse     = "response"
	EndpointReady        = "ready"
)

// the serialized snapshot sent the first time a target becomes active for a
// set of nodes. parent references within one batch let the receiver
// instantiate root to leaf
type CreationEntry struct {
	ParentId *NodeId           `json:"parent_id,omitempty"`
	Token    string            `json:"token"`
	Tags     map[string]string `json:"tags,omitempty"`
	Data     map[string]any    `json:"data"`
}

type CreationBatch struct {
	Nodes map[NodeId]CreationEntry `json:"nodes"`
}

type DestroyMessage struct {
	NodeId NodeId `json:"node_id"`
}

type SetParentMessage struct {
	NodeId      NodeId `json:"node_id"`
	NewParentId NodeId `json:"new_parent_id"`
}

type ValueChangedMessage struct {
	NodeId   NodeId `json:"node_id"`
	Path     string `json:"path"`
	NewValue any    `json:"new_value"`
}

type ArraySetMessage struct {
	NodeId   NodeId `json:"node_id"`
	Path     string `json:"path"`
	Index    int    `json:"index"`
	NewValue any    `json:"new_value"`
}

type ArrayInsertMessage struct {
	NodeId NodeId `json:"node_id"`
	Path   string `json:"path"`
	Index  int    `json:"index"`
	Value  any    `json:"value"`
}

type ArrayRemoveMessage struct {
	NodeId NodeId `json:"node_id"`
	Path   string `json:"path"`
	Index  int    `json:"index"`
}

type SignalMessage struct {
	NodeId   NodeId `json:"node_id"`
	Endpoint string `json:"endpoint"`
	Args     []any  `json:"args"`
}

type CallMessage struct {
	NodeId   NodeId `json:"node_id"`
	Endpoint string `json:"endpoint"`
	CallId   int64  `json:"call_id"`
	Args     []any  `json:"args"`
}

type ResponseMessage struct {
	CallId int64  `json:"call_id"`
	Result any    `json:"result,omitempty"`
	Err    string `json:"err,omitempty"`
}

type ReadyMessage struct {
}

// the messages are all locally constructed shapes, so a marshal error is an
// internal invariant violation
func encodeMessage(message any) []byte {
	payload, err := json.Marshal(message)
	if err != nil {
		panic(fmt.Errorf("encode %T: %w", message, err))
	}
	return payload
}

func decodeMessage[T any](payload []byte) (T, error) {
	var message T
	if err := json.Unmarshal(payload, &message); err != nil {
		return message, fmt.Errorf("decode %T: %w", message, err)
	}
	return message, nil
}

// op to endpoint for the mutation fan-out
func endpointForOp(op MutationOp) string {
	switch op {
	case MutationSet:
		return EndpointValueChanged
	case MutationArraySet:
		return EndpointArraySet
	case MutationArrayInsert:
		return EndpointArrayInsert
	case MutationArrayRemove:
		return EndpointArrayRemove
	default:
		panic(fmt.Errorf("unknown mutation op %s", op))
	}
}

func encodeMutation(nodeId NodeId, op MutationOp, path Path, index int, value any) []byte {
	switch op {
	case MutationSet:
		return encodeMessage(&ValueChangedMessage{
			NodeId:   nodeId,
			Path:     path.String(),
			NewValue: value,
		})
	case MutationArraySet:
		return encodeMessage(&ArraySetMessage{
			NodeId:   nodeId,
			Path:     path.String(),
			Index:    index,
			NewValue: value,
		})
	case MutationArrayInsert:
		return encodeMessage(&ArrayInsertMessage{
			NodeId: nodeId,
			Path:   path.String(),
			Index:  index,
			Value:  value,
		})
	case MutationArrayRemove:
		return encodeMessage(&ArrayRemoveMessage{
			NodeId: nodeId,
			Path:   path.String(),
			Index:  index,
		})
	default:
		panic(fmt.Errorf("unknown mutation op %s", op))
	}
}
