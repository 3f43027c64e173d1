package protocol

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsMatchByReason(t *testing.T) {
	err := fmt.Errorf("submit: %w", NewError(ReasonAlreadyPending, "already asked"))

	assert.ErrorIs(t, err, ErrAlreadyPending)
	assert.NotErrorIs(t, err, ErrAlreadyMember)
	assert.Equal(t, "already_pending: already asked", errors.Unwrap(err).Error())
	assert.Equal(t, "not_found", ErrNotFound.Error())
}

func TestAsErrorHidesInternals(t *testing.T) {
	assert.Nil(t, AsError(nil))

	pe := AsError(fmt.Errorf("wrapped: %w", ErrCapacityExceeded))
	assert.Equal(t, ReasonCapacityExceeded, pe.Reason)
	assert.Equal(t, CategoryValidation, pe.Category)

	pe = AsError(errors.New("database is locked"))
	assert.Equal(t, ReasonInternal, pe.Reason)
	assert.NotContains(t, pe.Message, "database")
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		reason Reason
		want   Category
	}{
		{ReasonExpiredToken, CategoryAuth},
		{ReasonTooManyConnections, CategoryAuth},
		{ReasonUnauthorized, CategoryValidation},
		{ReasonAlreadyResolved, CategoryRace},
		{ReasonDisconnected, CategoryTransport},
		{ReasonTimeout, CategoryTimeout},
		{Reason("made_up"), CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.reason))
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	frame, err := Encode(EventSendJoinRequest, "c1", SendJoinRequestPayload{ProjectID: "alpha", Message: "hi"}, now)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"send_join_request","correlationId":"c1","payload":{"projectId":"alpha","message":"hi"},"timestamp":"2026-01-02T03:04:05Z"}`,
		string(frame))

	frame, err = Encode(EventPong, "", nil, now)
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "payload")
	assert.NotContains(t, string(frame), "correlationId")
}

func TestEnvelopeDecodeErrors(t *testing.T) {
	var p RoomPayload
	err := Envelope{Event: EventJoinProjectRoom}.Decode(&p)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = Envelope{Event: EventJoinProjectRoom, Payload: []byte(`{"projectId":`)}.Decode(&p)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, Envelope{Event: EventJoinProjectRoom, Payload: []byte(`{"projectId":"alpha"}`)}.Decode(&p))
	assert.Equal(t, "alpha", p.ProjectID)
}

func TestActionValid(t *testing.T) {
	assert.True(t, ActionApprove.Valid())
	assert.True(t, ActionReject.Valid())
	assert.False(t, Action("maybe").Valid())
}
