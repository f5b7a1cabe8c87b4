package upload

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultClassification(t *testing.T) {
	tests := []struct {
		name        string
		result      Result
		success     bool
		canContinue bool
		outcome     string
	}{
		{"success", Success(), true, true, "success"},
		{"bad request", Failure(BadRequest, 400, nil), false, true, "bad_request"},
		{"network", Failure(NetworkFailure, 0, errors.New("refused")), false, false, "network_failure"},
		{"unexpected", Failure(UnexpectedServerResponse, 503, nil), false, false, "unexpected_response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.success, tt.result.IsSuccess())
			assert.Equal(t, tt.canContinue, tt.result.CanContinue())
			assert.Equal(t, tt.outcome, tt.result.Outcome())
		})
	}
}

func TestUploadErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")

	assert.Equal(t, "upload network_failure: connection reset", (&UploadError{Kind: NetworkFailure, Err: cause}).Error())
	assert.Equal(t, "upload bad_request (status 400)", (&UploadError{Kind: BadRequest, StatusCode: 400}).Error())
	assert.Equal(t, "upload unknown", (&UploadError{}).Error())

	err := Failure(NetworkFailure, 0, cause).Err
	assert.ErrorIs(t, err, cause)
}
