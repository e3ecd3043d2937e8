package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/streamer"
)

// Bot connects the handler to the Telegram Bot API over long polling and
// doubles as the streamer's message transport.
type Bot struct {
	api     *tgbotapi.BotAPI
	handler *Handler
	logger  *zap.Logger
}

func NewBot(token string, handler *Handler, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Bot{api: api, handler: handler, logger: logger}, nil
}

// SetHandler installs the handler after construction; the handler needs the
// bot's file fetcher, so the two are built in order.
func (b *Bot) SetHandler(h *Handler) { b.handler = h }

// Run long-polls for updates until ctx is cancelled. Each update is handled
// on its own goroutine; ordering within a chat is preserved by the
// handler's per-chat lock.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	b.logger.Info("telegram bot polling", zap.String("username", b.api.Self.UserName))
	for update := range updates {
		u, chatID, ok := convertUpdate(update)
		if !ok {
			continue
		}
		go func() {
			b.execute(chatID, b.handler.Handle(u))
		}()
	}
}

// FetchFile downloads a Telegram file by id; wired into the handler for
// document uploads.
func (b *Bot) FetchFile(fileID string) (io.ReadCloser, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("resolving file %s: %w", fileID, err)
	}
	resp, err := http.Get(file.Link(b.api.Token))
	if err != nil {
		return nil, fmt.Errorf("downloading file %s: %w", fileID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading file %s: status %d", fileID, resp.StatusCode)
	}
	return resp.Body, nil
}

func (b *Bot) execute(chatID int64, actions []Action) {
	for _, a := range actions {
		var err error
		switch v := a.(type) {
		case Reply:
			_, err = b.SendMessage(chatID, v.Text, nil)
		case ReplyDocument:
			doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(v.Path))
			doc.Caption = v.Caption
			_, err = b.api.Send(doc)
		case ReplyKeyboard:
			_, err = b.SendMessage(chatID, v.Text, v.Rows)
		case EditKeyboard:
			err = b.EditMessage(chatID, v.MessageID, v.Text, v.Rows)
		case Toast:
			_, err = b.api.Request(tgbotapi.NewCallback(v.CallbackID, v.Text))
		}
		if err != nil {
			b.logger.Error("telegram action failed",
				zap.Int64("chat_id", chatID),
				zap.String("action", fmt.Sprintf("%T", a)),
				zap.Error(err))
		}
	}
}

// SendMessage implements streamer.Transport.
func (b *Bot) SendMessage(chatID int64, text string, buttons [][]streamer.Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if kb := keyboard(buttons); kb != nil {
		msg.ReplyMarkup = *kb
	}
	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// EditMessage implements streamer.Transport.
func (b *Bot) EditMessage(chatID int64, messageID int, text string, buttons [][]streamer.Button) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ReplyMarkup = keyboard(buttons)
	_, err := b.api.Send(edit)
	return err
}

func keyboard(buttons [][]streamer.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		var out []tgbotapi.InlineKeyboardButton
		for _, btn := range row {
			out = append(out, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		rows = append(rows, out)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

// convertUpdate maps a Bot API update onto the handler's types. Updates
// with no message or callback are skipped.
func convertUpdate(u tgbotapi.Update) (Update, int64, bool) {
	out := Update{UpdateID: int64(u.UpdateID)}
	switch {
	case u.Message != nil:
		out.Message = convertMessage(u.Message)
		return out, u.Message.Chat.ID, true
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		out.Callback = &CallbackQuery{
			ID:      u.CallbackQuery.ID,
			From:    User{ID: u.CallbackQuery.From.ID, UserName: u.CallbackQuery.From.UserName},
			Message: convertMessage(u.CallbackQuery.Message),
			Data:    u.CallbackQuery.Data,
		}
		return out, u.CallbackQuery.Message.Chat.ID, true
	}
	return out, 0, false
}

func convertMessage(m *tgbotapi.Message) *Message {
	msg := &Message{
		MessageID: m.MessageID,
		Chat:      Chat{ID: m.Chat.ID, Type: m.Chat.Type},
		Text:      m.Text,
	}
	if m.From != nil {
		msg.From = User{ID: m.From.ID, UserName: m.From.UserName}
	}
	if m.Document != nil {
		msg.Document = &Document{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			FileSize: int64(m.Document.FileSize),
		}
	}
	return msg
}
