package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient error", NewTransientError(eris.New("503 from upstream"), 503), true},
		{"wrapped transient", eris.Wrap(NewTransientError(eris.New("timeout"), 0), "search openalex"), true},
		{"permanent error", NewPermanentError(eris.New("401 unauthorized"), 401), false},
		{"plain error", eris.New("parse failure"), false},
		{"io timeout string", errors.New("read tcp 10.0.0.1:443: i/o timeout"), true},
		{"connection reset string", errors.New("read: connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestCountsAgainstBreaker(t *testing.T) {
	assert.False(t, CountsAgainstBreaker(nil))
	assert.False(t, CountsAgainstBreaker(ErrUnavailable))
	assert.False(t, CountsAgainstBreaker(eris.Wrap(ErrUnavailable, "openalex")))
	assert.True(t, CountsAgainstBreaker(NewTransientError(eris.New("502"), 502)))
	assert.True(t, CountsAgainstBreaker(NewPermanentError(eris.New("400"), 400)))
	assert.True(t, CountsAgainstBreaker(context.DeadlineExceeded))
}
