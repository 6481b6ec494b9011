package service

import (
	"sync"
)

// KeyedLock 按键互斥锁。同一 group 的缓冲读改写必须串行，
// 不同 group 之间互不阻塞。锁条目带引用计数，解锁后无人等待即回收，
// 避免键空间无限增长。
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLock 创建按键锁
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		locks: make(map[string]*lockEntry),
	}
}

// Lock 获取 key 对应的互斥锁
func (k *KeyedLock) Lock(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

// Unlock 释放 key 对应的互斥锁
func (k *KeyedLock) Unlock(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("keyed lock: unlock of unheld key " + key)
	}
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}
