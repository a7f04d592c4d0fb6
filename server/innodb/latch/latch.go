package latch

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Mode 块锁模式
type Mode uint8

const (
	ModeRead   Mode = iota // 共享读
	ModeIntent             // 意向写：与已持有的读者共存，可升级为写
	ModeWrite              // 排他写
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeIntent:
		return "intent"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

type grantState uint8

const (
	grantWaiting grantState = iota
	grantHeld
	grantReleased
)

// Grant 一次加锁请求。Ready 关闭表示已授予。
type Grant struct {
	lock     *BlockLock
	mode     Mode
	state    grantState
	ready    chan struct{}
	upgraded chan struct{}
	elem     *list.Element
}

// Ready 授予时关闭
func (g *Grant) Ready() <-chan struct{} {
	return g.ready
}

// Granted 是否已授予
func (g *Grant) Granted() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}

// Mode 当前持有模式，升级完成后为 ModeWrite
func (g *Grant) Mode() Mode {
	g.lock.mu.Lock()
	defer g.lock.mu.Unlock()
	return g.mode
}

// Wait 等待授予。ctx 取消时请求仍在队列中，调用方必须 Release。
func (g *Grant) Wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	default:
	}
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State 块锁持有情况快照
type State struct {
	Readers int
	Intent  bool
	Writer  bool
	Waiting int
}

// Idle 无持有者且无等待者
func (s State) Idle() bool {
	return s.Readers == 0 && !s.Intent && !s.Writer && s.Waiting == 0
}

// BlockLock 单个块上的读/意向/写锁。
//
// 不兼容请求之间严格 FIFO：一旦写请求进入队列，后到的读请求都排在它后面，
// 因此写者不会被饿死。
type BlockLock struct {
	mu      sync.Mutex
	readers int
	intent  bool
	writer  bool
	queue   *list.List
	upgrade *Grant
}

// NewBlockLock 创建块锁
func NewBlockLock() *BlockLock {
	return &BlockLock{queue: list.New()}
}

// compatibleLocked 请求是否与当前持有者兼容
func (l *BlockLock) compatibleLocked(m Mode) bool {
	switch m {
	case ModeRead, ModeIntent:
		return !l.intent && !l.writer
	case ModeWrite:
		return !l.intent && !l.writer && l.readers == 0
	default:
		panic(fmt.Sprintf("latch: unknown mode %d", m))
	}
}

// mayBypassLocked 公平性规则：队列为空，或新读请求且队首也是读
func (l *BlockLock) mayBypassLocked(m Mode) bool {
	head := l.queue.Front()
	if head == nil {
		return true
	}
	return m == ModeRead && head.Value.(*Grant).mode == ModeRead
}

// Acquire 申请锁。兼容则立即授予，否则排队。
func (l *BlockLock) Acquire(m Mode) *Grant {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := &Grant{lock: l, mode: m, ready: make(chan struct{})}
	if l.compatibleLocked(m) && l.mayBypassLocked(m) {
		l.grantLocked(g)
		return g
	}
	g.elem = l.queue.PushBack(g)
	return g
}

func (l *BlockLock) grantLocked(g *Grant) {
	switch g.mode {
	case ModeRead:
		l.readers++
	case ModeIntent:
		l.intent = true
	case ModeWrite:
		l.writer = true
	}
	g.state = grantHeld
	close(g.ready)
}

// Release 释放已授予的锁，或撤销仍在排队的请求。重复释放无副作用。
func (l *BlockLock) Release(g *Grant) {
	if g.lock != l {
		panic("latch: grant released on foreign lock")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	switch g.state {
	case grantReleased:
		return
	case grantWaiting:
		l.queue.Remove(g.elem)
		g.elem = nil
	case grantHeld:
		switch g.mode {
		case ModeRead:
			l.readers--
		case ModeIntent:
			l.intent = false
			if l.upgrade == g {
				l.upgrade = nil
			}
		case ModeWrite:
			l.writer = false
		}
	}
	g.state = grantReleased

	l.promoteUpgradeLocked()
	l.grantQueuedLocked()
}

// Upgrade 将唯一的意向持有者升级为写。返回的通道在授予时刻已持有的读者全部释放后关闭。
func (l *BlockLock) Upgrade(g *Grant) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g.lock != l || g.state != grantHeld || g.mode != ModeIntent || l.upgrade != nil {
		panic("latch: upgrade requires the held intent grant")
	}
	g.upgraded = make(chan struct{})
	l.upgrade = g
	l.promoteUpgradeLocked()
	return g.upgraded
}

func (l *BlockLock) promoteUpgradeLocked() {
	if l.upgrade == nil || l.readers > 0 {
		return
	}
	g := l.upgrade
	l.upgrade = nil
	l.intent = false
	l.writer = true
	g.mode = ModeWrite
	close(g.upgraded)
}

// grantQueuedLocked 按 FIFO 顺序授予队首起连续兼容的请求
func (l *BlockLock) grantQueuedLocked() {
	for e := l.queue.Front(); e != nil; e = l.queue.Front() {
		g := e.Value.(*Grant)
		if !l.compatibleLocked(g.mode) {
			return
		}
		l.queue.Remove(e)
		g.elem = nil
		l.grantLocked(g)
	}
}

// State 返回当前持有情况
func (l *BlockLock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Readers: l.readers,
		Intent:  l.intent,
		Writer:  l.writer,
		Waiting: l.queue.Len(),
	}
}
