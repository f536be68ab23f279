// Package call 保存一对一视频通话的进程内状态。
//
// 每个用户在任一时刻只处于一种状态：空闲、振铃（呼出或呼入）或通话中。
// 两个参与者共享同一个 *Call 记录，是否接通由记录上的 Connected 字段决定。
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCalleeBusy 表示被叫正在通话或正在与其他人振铃；ErrCallerBusy 表示主叫自己已经处于通话中。
var (
	ErrCalleeBusy    = errors.New("call: callee busy")
	ErrCallerBusy    = errors.New("call: caller already in a call")
	ErrSelfCall      = errors.New("call: cannot call yourself")
	ErrNoPendingCall = errors.New("call: no pending call")
)

// Phase 是单个用户的通话阶段。
type Phase int

const (
	Idle Phase = iota
	Ringing
	Connected
)

func (p Phase) String() string {
	switch p {
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	default:
		return "idle"
	}
}

// Call 描述一次通话。CallerConn/CalleeConn 记录拥有该通话的连接，
// 只有这些连接断开时才会拆除通话。
type Call struct {
	Caller     uint
	Callee     uint
	CallerConn string
	CalleeConn string
	Connected  bool
	RingingAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time
}

// Peer 返回通话中的另一方。
func (c *Call) Peer(userID uint) uint {
	if c.Caller == userID {
		return c.Callee
	}
	return c.Caller
}

// Duration 返回接通时长；未接通的通话为 0。
func (c *Call) Duration() time.Duration {
	if !c.Connected || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}

func (c *Call) snapshot() *Call {
	cp := *c
	return &cp
}

func (c *Call) connOf(userID uint) string {
	if c.Caller == userID {
		return c.CallerConn
	}
	return c.CalleeConn
}

// FormatDuration 把时长格式化为 "Nm Ss"。
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}

// Registry 是按用户索引的通话状态表，所有方法都可以并发调用。
type Registry struct {
	mu    sync.Mutex
	calls map[uint]*Call
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[uint]*Call), now: time.Now}
}

// State 返回用户当前的阶段以及对端。
func (r *Registry) State(userID uint) (Phase, uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[userID]
	if !ok {
		return Idle, 0
	}
	if c.Connected {
		return Connected, c.Peer(userID)
	}
	return Ringing, c.Peer(userID)
}

// Dial 让 caller 对 callee 发起振铃。
//
// 被叫正在通话或正与其他人振铃时返回 ErrCalleeBusy，不记录任何状态。
// 主叫之前若有未接通的呼出振铃，会被新的呼叫替换，旧记录作为 replaced 返回。
func (r *Registry) Dial(caller, callee uint, conn string) (replaced *Call, err error) {
	if caller == callee {
		return nil, ErrSelfCall
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.calls[callee]; ok && (c.Connected || c.Peer(callee) != caller) {
		return nil, ErrCalleeBusy
	}
	if c, ok := r.calls[caller]; ok {
		if c.Connected {
			return nil, ErrCallerBusy
		}
		r.clear(c)
		replaced = c.snapshot()
	}
	c := &Call{Caller: caller, Callee: callee, CallerConn: conn, RingingAt: r.now()}
	r.calls[caller] = c
	r.calls[callee] = c
	return replaced, nil
}

// Answer 接通 caller 发给 callee 的振铃，双方共享同一个开始时间。
func (r *Registry) Answer(callee, caller uint, conn string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[caller]
	if !ok || c.Connected || c.Caller != caller || c.Callee != callee {
		return nil, ErrNoPendingCall
	}
	c.Connected = true
	c.CalleeConn = conn
	c.StartedAt = r.now()
	return c.snapshot(), nil
}

// Decline 由被叫拒绝 caller 的振铃。
func (r *Registry) Decline(callee, caller uint) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[caller]
	if !ok || c.Connected || c.Caller != caller || c.Callee != callee {
		return nil, false
	}
	r.clear(c)
	return c.snapshot(), true
}

// Hangup 结束 user 与 peer 之间的通话（无论是否接通）。
func (r *Registry) Hangup(user, peer uint) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[user]
	if !ok || c.Peer(user) != peer {
		return nil, false
	}
	c.EndedAt = r.now()
	r.clear(c)
	return c.snapshot(), true
}

// Drop 在连接断开时拆除 user 的通话。若通话归属于同一用户的其他连接则保留。
// last 表示这是用户的最后一个连接，此时被叫的振铃也一并结束。
func (r *Registry) Drop(user uint, conn string, last bool) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[user]
	if !ok {
		return nil, false
	}
	if owner := c.connOf(user); owner != "" && owner != conn {
		return nil, false
	}
	if !c.Connected && c.Callee == user && !last {
		// 被叫的某个标签页关闭不代表拒接，其他标签页仍在振铃。
		return nil, false
	}
	c.EndedAt = r.now()
	r.clear(c)
	return c.snapshot(), true
}

// Len 返回处于振铃或通话中的用户数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Registry) clear(c *Call) {
	if r.calls[c.Caller] == c {
		delete(r.calls, c.Caller)
	}
	if r.calls[c.Callee] == c {
		delete(r.calls, c.Callee)
	}
}
