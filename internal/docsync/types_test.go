package docsync

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSaveStateTransitions(t *testing.T) {
	s := SaveIdle.Begin()
	assert.Equal(t, SaveSaving, s)
	assert.Equal(t, "Saving...", s.Label())

	s, ok := s.Succeed()
	assert.True(t, ok)
	assert.Equal(t, SaveSaved, s)
	assert.Equal(t, "Saved.", s.Label())

	_, ok = s.Fail()
	assert.False(t, ok, "only Saving can fail")

	s, ok = s.Expire()
	assert.True(t, ok)
	assert.Equal(t, SaveIdle, s)
	assert.Equal(t, "", s.Label())

	_, ok = SaveIdle.Succeed()
	assert.False(t, ok)
	_, ok = SaveSaving.Expire()
	assert.False(t, ok)

	s, ok = SaveSaving.Fail()
	assert.True(t, ok)
	assert.Equal(t, SaveIdle, s)
	assert.Equal(t, SaveSaving, SaveSaved.Begin())
}

func TestValidateTitle(t *testing.T) {
	assert.NoError(t, ValidateTitle("Quarterly plan"))
	assert.NoError(t, ValidateTitle(strings.Repeat("é", MaxTitleLength)))

	err := ValidateTitle("   ")
	assert.ErrorIs(t, err, ErrValidation)
	assert.EqualError(t, err, "Title is required.")

	err = ValidateTitle(strings.Repeat("a", MaxTitleLength+1))
	assert.ErrorIs(t, err, ErrValidation)
	assert.EqualError(t, err, "Title must not exceed 100 characters.")
}

func TestPatchValidate(t *testing.T) {
	assert.NoError(t, ContentPatch("").validate())
	assert.NoError(t, TitlePatch("ok").validate())
	assert.ErrorIs(t, Patch{}.validate(), ErrValidation)
	title, content := "t", "c"
	assert.ErrorIs(t, Patch{Title: &title, Content: &content}.validate(), ErrValidation)
	assert.ErrorIs(t, TitlePatch("").validate(), ErrValidation)
}

func TestErrorNotification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "An error occurred. Please try again."},
		{"expired", fmt.Errorf("%w: %w", ErrSessionExpired, &HTTPError{StatusCode: 401, Message: "Unauthorized"}), "Your session has expired. Please sign in again."},
		{"validation", ValidateTitle(""), "Title is required."},
		{"http", fmt.Errorf("save: %w", &HTTPError{StatusCode: 500, Message: "database down"}), "database down"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := ErrorNotification(tc.err)
			assert.Equal(t, tc.want, n.Message)
			assert.Equal(t, NotificationError, n.Type)
			assert.Equal(t, DefaultNotificationWindow, n.Duration)
		})
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	assert.ErrorIs(t, &HTTPError{StatusCode: 401}, ErrUnauthorized)
	assert.ErrorIs(t, &HTTPError{StatusCode: 404}, ErrNotFound)
	assert.ErrorIs(t, &HTTPError{StatusCode: 422}, ErrValidation)
	assert.True(t, (&HTTPError{StatusCode: 503}).Temporary())
	assert.True(t, (&HTTPError{StatusCode: 429}).Temporary())
	assert.False(t, (&HTTPError{StatusCode: 409}).Temporary())

	fatal := &FatalConnectError{Err: errors.New("dial tcp: refused")}
	assert.Equal(t, "WebSocket error. Failed to connect.\ndial tcp: refused", fatal.Error())
}
