package publication

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/robopost/platform/pkg/common/faults"
	tele "gopkg.in/telebot.v4"
)

// chatRecipient lets a channel be addressed by numeric id or @username.
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// TelegramSender posts to channels through the Bot API. Bots are created
// offline (no getMe round trip) and reused per token.
type TelegramSender struct {
	client *http.Client
	apiURL string

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func NewTelegramSender(client *http.Client) *TelegramSender {
	return &TelegramSender{client: client, bots: make(map[string]*tele.Bot)}
}

func (s *TelegramSender) bot(token string) (*tele.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     s.apiURL,
		Token:   token,
		Client:  s.client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	s.bots[token] = b
	return b, nil
}

func (s *TelegramSender) Send(ctx context.Context, target TelegramTarget, post Post) (string, error) {
	b, err := s.bot(target.BotToken)
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("telegram bot: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg, err := b.Send(chatRecipient(target.ChannelID), RenderTelegram(post), &tele.SendOptions{
		ParseMode: tele.ModeHTML,
	})
	if err != nil {
		return "", classifyTelegram(err)
	}
	return strconv.Itoa(msg.ID), nil
}

// classifyTelegram treats Bot API rejections of the request itself (bad chat,
// bot not a member, malformed text) as permanent. Descriptions telebot does not
// know come back as plain errors ending in "(code)".
func classifyTelegram(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if rejectedCode(apiErr.Code) {
			return faults.Permanent(fmt.Errorf("telegram: %w", err))
		}
		return fmt.Errorf("telegram: %w", err)
	}
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		if strings.HasSuffix(err.Error(), fmt.Sprintf("(%d)", code)) {
			return faults.Permanent(fmt.Errorf("telegram: %w", err))
		}
	}
	return fmt.Errorf("telegram: %w", err)
}

func rejectedCode(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden
}

// RenderTelegram formats a post as Telegram HTML: bold title, body, link.
func RenderTelegram(post Post) string {
	return fmt.Sprintf("<b>%s</b>\n\n%s\n\n<a href=\"%s\">Original link</a>",
		html.EscapeString(post.Title),
		html.EscapeString(post.Body),
		html.EscapeString(post.URL),
	)
}
