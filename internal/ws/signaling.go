package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"matcha/internal/call"
	"matcha/internal/metrics"

	"github.com/rs/zerolog/log"
)

// 信令层只转发 SDP/ICE 数据，不解析其内容。调用方身份一律取自连接，
// 不信任负载中的 from 字段。

func (s *Server) onCallUser(c *Client, raw json.RawMessage) {
	var p CallUserPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserToCall == 0 {
		return
	}
	name, avatar := p.Name, p.Avatar
	if name == "" {
		name = c.uname
	}
	if avatar == "" {
		avatar = c.avatar
	}

	replaced, err := s.calls.Dial(c.userID, p.UserToCall, c.id)
	switch {
	case errors.Is(err, call.ErrCalleeBusy):
		metrics.CallsTotal.WithLabelValues("busy").Inc()
		s.hub.EmitToUser(c.userID, EventCallBusy, CallBusy{UserID: p.UserToCall})
		s.logCall(c.userID, p.UserToCall, fmt.Sprintf("Call missed by %s (Line Busy)", c.uname))
		return
	case errors.Is(err, call.ErrCallerBusy):
		s.hub.EmitToUser(c.userID, EventCallBusy, CallBusy{UserID: c.userID})
		return
	case err != nil:
		log.Debug().Err(err).Uint("user_id", c.userID).Msg("call_user rejected")
		return
	}
	if replaced != nil {
		if prev := replaced.Peer(c.userID); prev != p.UserToCall {
			s.hub.EmitToUser(prev, EventCallEnded, CallPeer{From: c.userID})
		}
	}
	metrics.CallsTotal.WithLabelValues("ringing").Inc()
	s.trackCalls()
	s.hub.EmitToUser(p.UserToCall, EventCallIncoming, CallIncoming{
		Signal: p.SignalData,
		From:   c.userID,
		Name:   name,
		Avatar: avatar,
	})
}

func (s *Server) onAnswerCall(c *Client, raw json.RawMessage) {
	var p AnswerCallPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.To == 0 {
		return
	}
	// 只有存在对应振铃时才接通。主叫已挂断或换了对象时不建立通话，
	// 而是回给应答方 call_ended 让其收起来电界面。
	if _, err := s.calls.Answer(c.userID, p.To, c.id); err != nil {
		s.hub.EmitToUser(c.userID, EventCallEnded, CallPeer{From: p.To})
		return
	}
	metrics.CallsTotal.WithLabelValues("connected").Inc()
	s.hub.EmitToUser(p.To, EventCallAccepted, CallAccepted{Signal: p.Signal, From: c.userID})
}

func (s *Server) onIceCandidate(c *Client, raw json.RawMessage) {
	var p IceCandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.To == 0 {
		return
	}
	s.hub.EmitToUser(p.To, EventIceCandidateIncoming, IceCandidateIncoming{Candidate: p.Candidate, From: c.userID})
}

func (s *Server) onCallDeclined(c *Client, raw json.RawMessage) {
	var p PeerPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.To == 0 {
		return
	}
	s.hub.EmitToUser(p.To, EventCallDeclined, CallPeer{From: c.userID})
	if _, ok := s.calls.Decline(c.userID, p.To); !ok {
		return
	}
	metrics.CallsTotal.WithLabelValues("declined").Inc()
	s.trackCalls()
	s.logCall(c.userID, p.To, "Call missed by "+c.uname)
}

func (s *Server) onCallEnded(c *Client, raw json.RawMessage) {
	var p PeerPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.To == 0 {
		return
	}
	rec, ok := s.calls.Hangup(c.userID, p.To)
	s.hub.EmitToUser(p.To, EventCallEnded, CallPeer{From: c.userID})
	if !ok {
		return
	}
	s.trackCalls()
	if rec.Connected {
		metrics.CallsTotal.WithLabelValues("ended").Inc()
		s.logCall(rec.Caller, rec.Callee, "Call ended. Duration: "+call.FormatDuration(rec.Duration()))
		return
	}
	metrics.CallsTotal.WithLabelValues("missed").Inc()
	s.logCall(rec.Caller, rec.Callee, "Call missed by "+s.username(rec.Callee))
}

// dropCalls 在连接断开时拆除其拥有的通话并通知对端。remaining 为该用户仍在线的连接数，
// 为 0 时被叫的振铃也会结束并记为未接。
func (s *Server) dropCalls(c *Client, remaining int) {
	rec, ok := s.calls.Drop(c.userID, c.id, remaining == 0)
	if !ok {
		return
	}
	s.trackCalls()
	s.hub.EmitToUser(rec.Peer(c.userID), EventCallEnded, CallPeer{From: c.userID})
	switch {
	case rec.Connected:
		metrics.CallsTotal.WithLabelValues("ended").Inc()
		s.logCall(rec.Caller, rec.Callee, "Call ended. Duration: "+call.FormatDuration(rec.Duration()))
	case rec.Callee == c.userID:
		metrics.CallsTotal.WithLabelValues("missed").Inc()
		s.logCall(rec.Caller, rec.Callee, "Call missed by "+c.uname)
	default:
		metrics.CallsTotal.WithLabelValues("cancelled").Inc()
		s.logCall(rec.Caller, rec.Callee, "Call cancelled")
	}
}

// logCall 写入通话记录并推送给双方；双方没有会话时静默跳过。
func (s *Server) logCall(a, b uint, content string) {
	ctx, cancel := storeCtx()
	defer cancel()
	msg, err := s.chat.LogSystemMessage(ctx, a, b, content)
	if err != nil {
		log.Warn().Err(err).Uint("user_a", a).Uint("user_b", b).Msg("call log not written")
		return
	}
	s.hub.EmitToUsers([]uint{a, b}, EventNewMessage, msg)
}

func (s *Server) username(userID uint) string {
	ctx, cancel := storeCtx()
	defer cancel()
	u, err := s.users.Lookup(ctx, userID)
	if err != nil {
		return "user"
	}
	return u.Username
}

func (s *Server) trackCalls() {
	metrics.ActiveCalls.Set(float64(s.calls.Len()))
}
