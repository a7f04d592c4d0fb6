package buffer_pool

import "container/list"

// lruList 页面淘汰顺序，队首最近使用。由 cache.mu 保护。
type lruList struct {
	order *list.List
}

func newLRUList() *lruList {
	return &lruList{order: list.New()}
}

// touch 移到队首
func (l *lruList) touch(p *Page) {
	if p.lruElem != nil {
		l.order.MoveToFront(p.lruElem)
		return
	}
	p.lruElem = l.order.PushFront(p)
}

func (l *lruList) remove(p *Page) {
	if p.lruElem == nil {
		return
	}
	l.order.Remove(p.lruElem)
	p.lruElem = nil
}

func (l *lruList) Len() int {
	return l.order.Len()
}

// victim 从队尾开始找第一个可淘汰的页面
func (l *lruList) victim() *Page {
	for e := l.order.Back(); e != nil; e = e.Prev() {
		p := e.Value.(*Page)
		if p.evictableLocked() {
			return p
		}
	}
	return nil
}
