package telegram

import (
	"errors"
	"sync"
	"time"
)

// reply is one incoming text message from a chat we are watching.
type reply struct {
	text string
	at   time.Time
}

var errConversationPending = errors.New("a reply is already awaited for this chat")

// replyRouter hands incoming messages to the Send call waiting on that chat.
//
// One waiter per chat at a time; the engine steps targets sequentially so a
// second concurrent expectation on the same chat is a caller bug, not a
// queueing problem.
type replyRouter struct {
	mu      sync.Mutex
	waiting map[int64]chan reply
}

func newReplyRouter() *replyRouter {
	return &replyRouter{waiting: map[int64]chan reply{}}
}

// expect registers interest in the next text message from chatID. The
// returned cancel is idempotent and must always be called.
func (r *replyRouter) expect(chatID int64) (<-chan reply, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.waiting[chatID]; busy {
		return nil, nil, errConversationPending
	}
	ch := make(chan reply, 1)
	r.waiting[chatID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			if r.waiting[chatID] == ch {
				delete(r.waiting, chatID)
			}
			r.mu.Unlock()
		})
	}
	return ch, cancel, nil
}

// deliver routes a message to the chat's waiter, if any. Buffered size 1 and
// single registration make the send non-blocking; a second message after the
// first is simply not interesting.
func (r *replyRouter) deliver(chatID int64, rep reply) bool {
	r.mu.Lock()
	ch, ok := r.waiting[chatID]
	if ok {
		delete(r.waiting, chatID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- rep
	return true
}
