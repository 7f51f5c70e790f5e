package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeTarget renders a ChatTarget as the opaque string the scheduling core
// stores ("<chat_id>" or "<chat_id>:<thread_id>").
func EncodeTarget(t ChatTarget) string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseTarget is the inverse of EncodeTarget.
func ParseTarget(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, fmt.Errorf("empty target")
	}
	chatPart := s
	threadPart := ""
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		chatPart, threadPart = s[:i], s[i+1:]
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return ChatTarget{}, fmt.Errorf("bad target %q: %w", s, err)
	}
	threadID := 0
	if threadPart != "" {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil {
			return ChatTarget{}, fmt.Errorf("bad target thread %q: %w", s, err)
		}
	}
	return ChatTarget{ChatID: chatID, ThreadID: threadID}, nil
}
