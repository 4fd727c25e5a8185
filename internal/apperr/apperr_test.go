package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(KindStateConflict, "sample_conflict", "request already in progress")

func TestWrappedSentinelMatches(t *testing.T) {
	err := fmt.Errorf("submit: %w", Wrap(errSample, errors.New("row locked")))

	assert.True(t, errors.Is(err, errSample))
	assert.Equal(t, KindStateConflict, KindOf(err))
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
	assert.Equal(t, "request already in progress", PublicMessage(err))
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := Wrap(New(KindConsistency, "insufficient_pending", "pending balance below release amount"), errors.New("user 42"))

	assert.Equal(t, "internal error", PublicMessage(err))
	assert.Equal(t, "internal error", PublicMessage(errors.New("pq: connection refused")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:    http.StatusUnprocessableEntity,
		KindNotFound:      http.StatusNotFound,
		KindForbidden:     http.StatusForbidden,
		KindSettlement:    http.StatusBadGateway,
		KindConsistency:   http.StatusInternalServerError,
		KindStateConflict: http.StatusConflict,
	}
	for kind, status := range cases {
		t.Run(kind.String(), func(t *testing.T) {
			assert.Equal(t, status, HTTPStatus(New(kind, "x", "y")))
		})
	}
}
