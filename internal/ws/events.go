package ws

import (
	"encoding/json"
	"strconv"
	"time"
)

// 所有 socket 帧都是 {"event": "...", "data": {...}}。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// 客户端发来的事件。
const (
	EventCallUser     = "call_user"
	EventAnswerCall   = "answer_call"
	EventIceCandidate = "ice_candidate"
	EventCallDeclined = "call_declined"
	EventCallEnded    = "call_ended"
)

// 服务端推送的事件。
const (
	EventUserStatusChange     = "user_status_change"
	EventCallIncoming         = "call_incoming"
	EventCallAccepted         = "call_accepted"
	EventCallBusy             = "call_busy"
	EventIceCandidateIncoming = "ice_candidate_incoming"
	EventNewMessage           = "new_message"
	EventMessagesRead         = "messages_read"
	EventNotification         = "notification"
	EventConversationStatus   = "conversation_status_update"
	EventDateUpdated          = "date_updated"
)

// AllRoom 包含所有在线连接，用于在线状态广播。
const AllRoom = "all"

// UserRoom 返回用户私有房间名，所有定向推送都发往这里。
func UserRoom(userID uint) string {
	return "user_" + strconv.FormatUint(uint64(userID), 10)
}

type CallUserPayload struct {
	UserToCall uint            `json:"userToCall"`
	SignalData json.RawMessage `json:"signalData"`
	From       uint            `json:"from"`
	Name       string          `json:"name"`
	Avatar     string          `json:"avatar"`
}

type CallIncoming struct {
	Signal json.RawMessage `json:"signal"`
	From   uint            `json:"from"`
	Name   string          `json:"name"`
	Avatar string          `json:"avatar"`
}

type AnswerCallPayload struct {
	To     uint            `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type CallAccepted struct {
	Signal json.RawMessage `json:"signal"`
	From   uint            `json:"from"`
}

type IceCandidatePayload struct {
	To        uint            `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type IceCandidateIncoming struct {
	Candidate json.RawMessage `json:"candidate"`
	From      uint            `json:"from"`
}

// PeerPayload 用于 call_declined 与 call_ended。
type PeerPayload struct {
	To uint `json:"to"`
}

type CallPeer struct {
	From uint `json:"from"`
}

type CallBusy struct {
	UserID uint `json:"userId"`
}

type StatusChange struct {
	UserID         uint       `json:"userId"`
	IsOnline       bool       `json:"isOnline"`
	LastConnection *time.Time `json:"lastConnection,omitempty"`
}

type ConversationStatus struct {
	ConversationID uint `json:"conversationId"`
	IsActive       bool `json:"is_active"`
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
