package docsync

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MessageTypeSyncUpdate = "sync-update"
	MessageTypePing       = "ping"

	MaxTitleLength = 100

	DefaultContentQuiet       = 1000 * time.Millisecond
	DefaultTitleQuiet         = 500 * time.Millisecond
	DefaultReconnectInterval  = 3000 * time.Millisecond
	DefaultSavedDisplay       = 2000 * time.Millisecond
	DefaultSaveTimeout        = 30 * time.Second
	DefaultNotificationWindow = 10 * time.Second
)

// DocumentSnapshot is the authoritative persisted representation of a
// document as returned by the backend.
type DocumentSnapshot struct {
	DocumentID string    `json:"documentId"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	AuthorID   string    `json:"authorId"`
	Editors    []string  `json:"editors"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Patch is a partial document update. Exactly one field is set.
type Patch struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

func TitlePatch(title string) Patch {
	return Patch{Title: &title}
}

func ContentPatch(content string) Patch {
	return Patch{Content: &content}
}

func (p Patch) field() string {
	switch {
	case p.Title != nil && p.Content == nil:
		return "title"
	case p.Content != nil && p.Title == nil:
		return "content"
	default:
		return ""
	}
}

func (p Patch) validate() error {
	switch p.field() {
	case "":
		return &ValidationError{Field: "patch", Message: "patch must set exactly one of title or content"}
	case "title":
		return ValidateTitle(*p.Title)
	}
	return nil
}

// ValidateTitle rejects empty and over-length titles before they reach the
// network.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Message: "Title is required."}
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return &ValidationError{Field: "title", Message: "Title must not exceed 100 characters."}
	}
	return nil
}

// Message is the WebSocket frame exchanged with the sync endpoint.
type Message struct {
	Type       string `json:"type"`
	Update     string `json:"update"`
	DocumentID string `json:"documentId"`
}

func SyncUpdate(documentID, content string) Message {
	return Message{Type: MessageTypeSyncUpdate, Update: content, DocumentID: documentID}
}

type SaveState int

const (
	SaveIdle SaveState = iota
	SaveSaving
	SaveSaved
)

func (s SaveState) String() string {
	switch s {
	case SaveSaving:
		return "saving"
	case SaveSaved:
		return "saved"
	default:
		return "idle"
	}
}

// Label is the status text shown next to the editor.
func (s SaveState) Label() string {
	switch s {
	case SaveSaving:
		return "Saving..."
	case SaveSaved:
		return "Saved."
	default:
		return ""
	}
}

// Begin moves any state to Saving.
func (s SaveState) Begin() SaveState {
	return SaveSaving
}

// Succeed moves Saving to Saved. Other states are unchanged.
func (s SaveState) Succeed() (SaveState, bool) {
	if s != SaveSaving {
		return s, false
	}
	return SaveSaved, true
}

// Fail moves Saving to Idle. Other states are unchanged.
func (s SaveState) Fail() (SaveState, bool) {
	if s != SaveSaving {
		return s, false
	}
	return SaveIdle, true
}

// Expire ends the Saved display window.
func (s SaveState) Expire() (SaveState, bool) {
	if s != SaveSaved {
		return s, false
	}
	return SaveIdle, true
}

type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionOpen
	ConnectionClosed
	ConnectionReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionOpen:
		return "open"
	case ConnectionReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

type NotificationType string

const (
	NotificationError   NotificationType = "error"
	NotificationSuccess NotificationType = "success"
	NotificationInfo    NotificationType = "info"
)

// Notification is a transient, user-facing message. A negative Duration
// keeps it up until dismissed.
type Notification struct {
	Message  string
	Type     NotificationType
	Duration time.Duration
}

type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

const defaultErrorMessage = "An error occurred. Please try again."

// ErrorNotification turns err into the notification shown to the user.
func ErrorNotification(err error) Notification {
	msg := defaultErrorMessage
	var validationErr *ValidationError
	var httpErr *HTTPError
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionExpired):
		msg = "Your session has expired. Please sign in again."
	case errors.As(err, &validationErr):
		msg = validationErr.Message
	case errors.As(err, &httpErr) && httpErr.Message != "":
		msg = httpErr.Message
	case err.Error() != "":
		msg = err.Error()
	}
	return Notification{Message: msg, Type: NotificationError, Duration: DefaultNotificationWindow}
}
