package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var sentinels = []error{
	ErrFetchDenied,
	ErrFetchRejected,
	ErrTransientFetch,
	ErrHashMismatchUnresolved,
	ErrListingFailed,
	ErrStoreUnavailable,
	ErrUploadFailed,
	ErrDeleteFailed,
	ErrInvalidConfig,
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"denied", ErrFetchDenied, "FetchDenied"},
		{"rejected", fmt.Errorf("GET x returned status 404: %w", ErrFetchRejected), "FetchRejected"},
		{"wrapped transient", fmt.Errorf("GET x: %w", ErrTransientFetch), "TransientFetchError"},
		{"store", fmt.Errorf("listing page: %w", ErrStoreUnavailable), "StoreUnavailable"},
		{"upload", fmt.Errorf("put a.txt: %w", ErrUploadFailed), "UploadFailed"},
		{"delete", fmt.Errorf("delete a.txt: %w", ErrDeleteFailed), "DeleteFailed"},
		{"truncated", ErrHashMismatchUnresolved, "HashMismatchUnresolved"},
		{"unknown", errors.New("boom"), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestKind_MostSpecificWins(t *testing.T) {
	err := fmt.Errorf("%w: fetching a.txt: %w", ErrUploadFailed, ErrFetchDenied)
	assert.Equal(t, "FetchDenied", Kind(err))
}
