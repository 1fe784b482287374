package protocol

import "strconv"

// Kind tags a frame on the wire. The numeric values are shared with
// existing agents and must never be renumbered.
type Kind int

const (
	KindCustomRequest Kind = iota
	KindCustomMessage
	KindCustomReply
	KindHeartbeat
	KindHeartbeatAck
	KindClientBroadcastRequest
	KindClientBroadcastResponse
)

const (
	KindShardListDataRequest Kind = iota + 21
	KindShardListDataUpdate
	KindClientShardListDataCurrent
	KindServerBroadcastRequest
	KindServerBroadcastResponse
	KindGuildDataRequest
	KindGuildDataResponse
	KindGuildEvalRequest
	KindGuildEvalResponse
	KindClientDataRequest
	KindClientDataResponse
	KindCacheSetRequest
	KindCacheSetResponse
	KindCacheGetRequest
	KindCacheGetResponse
	KindCacheDeleteRequest
	KindCacheDeleteResponse
	KindCacheClearRequest
	KindCacheClearResponse
)

var kindNames = map[Kind]string{
	KindCustomRequest:              "custom_request",
	KindCustomMessage:              "custom_message",
	KindCustomReply:                "custom_reply",
	KindHeartbeat:                  "heartbeat",
	KindHeartbeatAck:               "heartbeat_ack",
	KindClientBroadcastRequest:     "client_broadcast_request",
	KindClientBroadcastResponse:    "client_broadcast_response",
	KindShardListDataRequest:       "shardlist_data_request",
	KindShardListDataUpdate:        "shardlist_data_update",
	KindClientShardListDataCurrent: "client_shardlist_data_current",
	KindServerBroadcastRequest:     "server_broadcast_request",
	KindServerBroadcastResponse:    "server_broadcast_response",
	KindGuildDataRequest:           "guild_data_request",
	KindGuildDataResponse:          "guild_data_response",
	KindGuildEvalRequest:           "guild_eval_request",
	KindGuildEvalResponse:          "guild_eval_response",
	KindClientDataRequest:          "client_data_request",
	KindClientDataResponse:         "client_data_response",
	KindCacheSetRequest:            "cache_set_request",
	KindCacheSetResponse:           "cache_set_response",
	KindCacheGetRequest:            "cache_get_request",
	KindCacheGetResponse:           "cache_get_response",
	KindCacheDeleteRequest:         "cache_delete_request",
	KindCacheDeleteResponse:        "cache_delete_response",
	KindCacheClearRequest:          "cache_clear_request",
	KindCacheClearResponse:         "cache_clear_response",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Known reports whether k is one of the protocol's reserved kinds.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// ResponseKind returns the kind used to answer a request of kind k.
// Requests without a dedicated response kind are answered with
// KindCustomReply.
func (k Kind) ResponseKind() Kind {
	switch k {
	case KindHeartbeat:
		return KindHeartbeatAck
	case KindClientBroadcastRequest,
		KindServerBroadcastRequest,
		KindGuildDataRequest,
		KindGuildEvalRequest,
		KindClientDataRequest,
		KindCacheSetRequest,
		KindCacheGetRequest,
		KindCacheDeleteRequest,
		KindCacheClearRequest:
		return k + 1
	default:
		return KindCustomReply
	}
}
