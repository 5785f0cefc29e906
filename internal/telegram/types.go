package telegram

import (
	"encoding/json"
	"strconv"

	"github.com/ashureev/mentorbot/internal/domain"
)

// Update is one incoming event from getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// User is a Telegram account.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// PhotoSize is one resolution of a photo.
type PhotoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// File is a document, voice note or video.
type File struct {
	FileID string `json:"file_id"`
}

// Message is an incoming or sent message.
type Message struct {
	MessageID int64       `json:"message_id"`
	From      *User       `json:"from,omitempty"`
	Chat      Chat        `json:"chat"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
	Document  *File       `json:"document,omitempty"`
	Voice     *File       `json:"voice,omitempty"`
	Video     *File       `json:"video,omitempty"`
}

// SenderID returns the sender's id as a directory key.
func (m *Message) SenderID() string {
	if m.From != nil {
		return strconv.FormatInt(m.From.ID, 10)
	}
	return strconv.FormatInt(m.Chat.ID, 10)
}

// Payload extracts the content of the message. The largest photo size is
// used. It returns false for unsupported content.
func (m *Message) Payload() (domain.Payload, bool) {
	switch {
	case len(m.Photo) > 0:
		return domain.Payload{Kind: domain.ContentPhoto, FileID: m.Photo[len(m.Photo)-1].FileID, Caption: m.Caption}, true
	case m.Video != nil:
		return domain.Payload{Kind: domain.ContentVideo, FileID: m.Video.FileID, Caption: m.Caption}, true
	case m.Document != nil:
		return domain.Payload{Kind: domain.ContentDocument, FileID: m.Document.FileID, Caption: m.Caption}, true
	case m.Voice != nil:
		return domain.Payload{Kind: domain.ContentVoice, FileID: m.Voice.FileID}, true
	case m.Text != "":
		return domain.Payload{Kind: domain.ContentText, Text: m.Text}, true
	default:
		return domain.Payload{}, false
	}
}

// CallbackQuery is an inline keyboard press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// SenderID returns the presser's id as a directory key.
func (q *CallbackQuery) SenderID() string {
	return strconv.FormatInt(q.From.ID, 10)
}

// InlineKeyboardButton is one button of an inline keyboard.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// InlineKeyboardMarkup is an inline keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// Keyboard builds a one-button-per-row keyboard.
func Keyboard(buttons ...InlineKeyboardButton) *InlineKeyboardMarkup {
	rows := make([][]InlineKeyboardButton, len(buttons))
	for i, b := range buttons {
		rows[i] = []InlineKeyboardButton{b}
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

// Button creates a callback button.
func Button(text, data string) InlineKeyboardButton {
	return InlineKeyboardButton{Text: text, CallbackData: data}
}

// BotCommand is one entry of the command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}
