// ABOUTME: Tests for Slack error wrapping
// ABOUTME: API rejections become APIError; context aborts stay context errors

package slack

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAPIError_RejectionCarriesCode(t *testing.T) {
	err := wrapAPIError(errors.New("channel_not_found"))

	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "channel_not_found", apiErr.Code)
}

func TestWrapAPIError_ContextErrorsPassThrough(t *testing.T) {
	err := wrapAPIError(context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
