package errors

import "errors"

// Upstream errors.
var (
	ErrFetchDenied            = errors.New("upstream denied the request")
	ErrFetchRejected          = errors.New("upstream rejected the request")
	ErrTransientFetch         = errors.New("upstream fetch failed")
	ErrHashMismatchUnresolved = errors.New("download truncated or corrupted")
	ErrListingFailed          = errors.New("remote listing failed")
)

// Store errors.
var (
	ErrStoreUnavailable = errors.New("store inventory unavailable")
	ErrUploadFailed     = errors.New("upload failed")
	ErrDeleteFailed     = errors.New("delete failed")
)

// ErrInvalidConfig is returned for configuration that cannot drive a pass.
var ErrInvalidConfig = errors.New("invalid configuration")

// kinds is ordered most specific first. A failed upload whose last
// attempt died on a denied download reports FetchDenied, not UploadFailed.
var kinds = []struct {
	err  error
	name string
}{
	{ErrFetchDenied, "FetchDenied"},
	{ErrFetchRejected, "FetchRejected"},
	{ErrHashMismatchUnresolved, "HashMismatchUnresolved"},
	{ErrTransientFetch, "TransientFetchError"},
	{ErrStoreUnavailable, "StoreUnavailable"},
	{ErrListingFailed, "ListingFailed"},
	{ErrUploadFailed, "UploadFailed"},
	{ErrDeleteFailed, "DeleteFailed"},
	{ErrInvalidConfig, "InvalidConfig"},
}

// Kind names the taxonomy entry err belongs to, or "Unknown".
func Kind(err error) string {
	if err == nil {
		return ""
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}

	return "Unknown"
}
