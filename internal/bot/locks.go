package bot

import "sync"

// chatLocks hands out one mutex per chat. An entry lives only while a
// handler holds or waits for it, so the map stays as small as the number of
// chats being served right now.
type chatLocks struct {
	mu    sync.Mutex
	locks map[int64]*chatLock
}

type chatLock struct {
	sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[int64]*chatLock)}
}

// Acquire blocks until the chat is free and returns the matching release.
func (c *chatLocks) Acquire(chatID int64) (release func()) {
	c.mu.Lock()
	lock, ok := c.locks[chatID]
	if !ok {
		lock = &chatLock{}
		c.locks[chatID] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()

		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.locks, chatID)
		}
		c.mu.Unlock()
	}
}

func (c *chatLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
