package ws

import (
	"github.com/rs/zerolog/log"
)

// connect 注册连接并广播上线。写库失败不影响广播，在线状态以 socket 为准。
func (s *Server) connect(c *Client) {
	s.hub.Register(c)
	ctx, cancel := storeCtx()
	defer cancel()
	if err := s.users.SetOnline(ctx, c.userID); err != nil {
		log.Warn().Err(err).Uint("user_id", c.userID).Msg("persist online status failed")
	}
	log.Info().Uint("user_id", c.userID).Str("conn", c.id).Msg("socket connected")
	s.hub.Broadcast(EventUserStatusChange, StatusChange{UserID: c.userID, IsOnline: true})
}

// disconnect 先拆除该连接拥有的通话，用户的最后一个连接断开时才标记离线。
func (s *Server) disconnect(c *Client) {
	remaining := s.hub.Unregister(c)
	s.dropCalls(c, remaining)
	log.Info().Uint("user_id", c.userID).Str("conn", c.id).Int("remaining", remaining).Msg("socket disconnected")
	if remaining > 0 {
		return
	}
	at := s.now().UTC()
	ctx, cancel := storeCtx()
	defer cancel()
	if err := s.users.SetOffline(ctx, c.userID, at); err != nil {
		log.Warn().Err(err).Uint("user_id", c.userID).Msg("persist offline status failed")
	}
	s.hub.Broadcast(EventUserStatusChange, StatusChange{UserID: c.userID, IsOnline: false, LastConnection: &at})
}
