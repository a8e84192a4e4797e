package approval

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/robopost/platform/pkg/common/faults"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/common/models"
	"github.com/robopost/platform/pkg/gateway/auth"
	"github.com/robopost/platform/pkg/ratelimit"
	tele "gopkg.in/telebot.v4"
)

// Telegram caps bots at roughly 30 messages per second overall; prompts are
// kept well under that.
const (
	promptLimitKey       = "telegram:prompts"
	defaultPromptsPerMin = 600
	callbackTimeout      = 15 * time.Second
)

// TelegramPrompter is the chat front end of the approval gate: it sends
// prompts with approve/reject buttons and turns button presses into
// decisions, using the presser's Telegram id as admin identity.
type TelegramPrompter struct {
	bot       *tele.Bot
	gate      *Gate
	store     Store
	limiter   ratelimit.Limiter
	perMinute int
	tokens    *auth.TokenManager
}

func NewTelegramPrompter(token string, gate *Gate, store Store, limiter ratelimit.Limiter, perMinute int) (*TelegramPrompter, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			logger.ForStage(Stage).WithError(err).Error("telegram handler failed")
		},
	})
	if err != nil {
		return nil, err
	}
	if perMinute <= 0 {
		perMinute = defaultPromptsPerMin
	}

	p := &TelegramPrompter{bot: bot, gate: gate, store: store, limiter: limiter, perMinute: perMinute}
	bot.Handle("/start", p.handleStart)
	bot.Handle(tele.OnCallback, p.handleCallback)
	return p, nil
}

// EnableTokens adds a /token command that hands the sender a bearer token
// for the HTTP decision endpoint.
func (p *TelegramPrompter) EnableTokens(tokens *auth.TokenManager) {
	p.tokens = tokens
	p.bot.Handle("/token", p.handleToken)
}

// Run polls for updates until ctx is cancelled.
func (p *TelegramPrompter) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		p.bot.Stop()
	}()
	logger.ForStage(Stage).Info("telegram polling started")
	p.bot.Start()
}

func (p *TelegramPrompter) Prompt(ctx context.Context, prompt Prompt) error {
	chatID, err := strconv.ParseInt(prompt.Admin.ExternalID, 10, 64)
	if err != nil {
		return faults.Permanent(fmt.Errorf("admin %q has no telegram chat id", prompt.Admin.ExternalID))
	}

	if _, err := p.limiter.Acquire(ctx, promptLimitKey, p.perMinute); err != nil {
		return err
	}

	itemID, destID := prompt.Item.ID, prompt.Destination.ID
	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(
		tele.Btn{Text: "✅ Approve", Data: CallbackData(models.DecisionApprove, itemID, destID)},
		tele.Btn{Text: "❌ Reject", Data: CallbackData(models.DecisionReject, itemID, destID)},
	))

	_, err = p.bot.Send(&tele.Chat{ID: chatID}, RenderPrompt(prompt), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		ReplyMarkup:           markup,
		DisableWebPagePreview: true,
	})
	return err
}

func (p *TelegramPrompter) handleStart(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	name := strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	_, created, err := p.store.RegisterAdmin(ctx, strconv.FormatInt(sender.ID, 10), name)
	if err != nil {
		logger.ForStage(Stage).WithError(err).WithField("telegram_id", sender.ID).Error("failed to register admin")
		return c.Send("Registration failed, please try again later.")
	}
	if created {
		logger.ForStage(Stage).WithField("telegram_id", sender.ID).Info("admin registered")
		return c.Send(fmt.Sprintf("Hello %s! You are now registered.", name))
	}
	return c.Send(fmt.Sprintf("Welcome back, %s!", name))
}

func (p *TelegramPrompter) handleToken(c tele.Context) error {
	sender := c.Sender()
	if sender == nil || p.tokens == nil {
		return nil
	}
	token, err := p.tokens.Issue(strconv.FormatInt(sender.ID, 10), strings.TrimSpace(sender.FirstName+" "+sender.LastName))
	if err != nil {
		logger.ForStage(Stage).WithError(err).WithField("telegram_id", sender.ID).Error("failed to issue token")
		return c.Send("Could not issue a token, please try again later.")
	}
	return c.Send(fmt.Sprintf("Your decision API token:\n<code>%s</code>", html.EscapeString(token)), tele.ModeHTML)
}

func (p *TelegramPrompter) handleCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Sender == nil {
		return nil
	}

	decision, itemID, destID, err := ParseCallbackData(cb.Data)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Unknown action"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	_, err = p.gate.Decide(ctx, models.DecisionRequest{
		ItemID:        itemID,
		DestinationID: destID,
		Decision:      decision,
		Admin:         strconv.FormatInt(cb.Sender.ID, 10),
	})

	var reply, banner string
	switch {
	case err == nil && decision == models.DecisionApprove:
		reply, banner = "Approved for publication", "✅ Approved for publication."
	case err == nil:
		reply, banner = "Rejected", "❌ Rejected."
	case faults.IsUnauthorized(err):
		return c.Respond(&tele.CallbackResponse{Text: "You do not manage this destination", ShowAlert: true})
	case faults.IsDuplicate(err):
		reply, banner = "Already recorded", "Decision already recorded."
	case faults.IsPermanent(err):
		reply, banner = "This item can no longer be decided", "Decision not applied."
	default:
		return c.Respond(&tele.CallbackResponse{Text: "Could not record decision, try again"})
	}

	if err := c.Respond(&tele.CallbackResponse{Text: reply}); err != nil {
		return err
	}
	if msg := c.Message(); msg != nil {
		return c.Edit(banner+"\n\n"+html.EscapeString(msg.Text), &tele.SendOptions{ParseMode: tele.ModeHTML})
	}
	return nil
}

// CallbackData encodes a button press as "<decision>:<item>:<destination>".
func CallbackData(decision models.Decision, itemID, destinationID int64) string {
	return fmt.Sprintf("%s:%d:%d", decision, itemID, destinationID)
}

func ParseCallbackData(data string) (models.Decision, int64, int64, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("malformed callback data %q", data)
	}
	decision := models.Decision(parts[0])
	if !decision.Valid() {
		return "", 0, 0, fmt.Errorf("unknown decision %q", parts[0])
	}
	itemID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("bad item id: %w", err)
	}
	destID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("bad destination id: %w", err)
	}
	return decision, itemID, destID, nil
}

// RenderPrompt formats the approval request in Telegram HTML.
func RenderPrompt(prompt Prompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👇 New content awaiting approval for <b>%s</b> (%s)\n\n",
		html.EscapeString(prompt.Destination.Name), prompt.Destination.Platform)
	fmt.Fprintf(&b, "<b>Title:</b> %s\n\n", html.EscapeString(prompt.Item.Title))
	fmt.Fprintf(&b, "<b>Original link:</b> %s", html.EscapeString(prompt.Item.OriginalURL))
	return b.String()
}
