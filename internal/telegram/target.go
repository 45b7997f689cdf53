package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"
)

// parseChatID interprets a target string as a numeric chat ID. Negative IDs
// (groups, channels) are valid.
func parseChatID(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// usernames resolves "@name" targets to chat IDs via getChat, once, so every
// later send and reply match works on the numeric ID.
type usernames struct {
	bot *tele.Bot

	mu sync.Mutex
	m  map[string]int64
}

func newUsernames(bot *tele.Bot) *usernames {
	return &usernames{bot: bot, m: map[string]int64{}}
}

// resolve maps a configured target to its numeric chat ID.
func (u *usernames) resolve(target string) (int64, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return 0, fmt.Errorf("empty target")
	}
	if id, ok := parseChatID(target); ok {
		return id, nil
	}

	name := target
	if !strings.HasPrefix(name, "@") {
		name = "@" + name
	}

	u.mu.Lock()
	id, ok := u.m[name]
	u.mu.Unlock()
	if ok {
		return id, nil
	}

	chat, err := u.bot.ChatByUsername(name)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", name, err)
	}

	u.mu.Lock()
	u.m[name] = chat.ID
	u.mu.Unlock()
	return chat.ID, nil
}
