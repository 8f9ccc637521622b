package errors

/*
* Error codes convey why a worker lifecycle step or a cache operation failed.
* They are reported by the status endpoint and in logs, and are combined with
* an HTTP status code where a request is involved. Plain transport and storage
* failures are wrapped errors, not coded ones; a code exists only where the
* caller is expected to act on the kind of failure.
 */

const (

	// Install.
	// A manifest URL could not be fetched or answered with a non-2xx status.
	PrecacheFailed ErrCode = 1
	// The bucket for the version could not be opened or written.
	BucketUnavailable ErrCode = 2

	// Activate.
	// Activate was called on a worker that has not installed.
	NotInstalled ErrCode = 3
	// Stale bucket enumeration or deletion failed.
	CleanupFailed ErrCode = 4

	// Fetch.
	// The store refuses to keep partial (206) responses.
	PartialResponse ErrCode = 5
	// The origin could not be reached on a cache miss.
	// HTTP 502 Bad Gateway.
	OriginUnavailable ErrCode = 6

	// Storage.
	// The bucket was deleted while a write to it was in flight.
	BucketDeleted ErrCode = 7
	// The encoded entry exceeds the store's item size limit.
	EntryTooLarge ErrCode = 8
)

var codeNames = map[ErrCode]string{
	PrecacheFailed:    "precache_failed",
	BucketUnavailable: "bucket_unavailable",
	NotInstalled:      "not_installed",
	CleanupFailed:     "cleanup_failed",
	PartialResponse:   "partial_response",
	OriginUnavailable: "origin_unavailable",
	BucketDeleted:     "bucket_deleted",
	EntryTooLarge:     "entry_too_large",
}

// CacheError implements the Error interface.
type CacheError struct {
	Version      string  `json:"version"`
	Function     string  `json:"-"`
	ErrorCode    ErrCode `json:"errorCode"`
	ErrorMessage string  `json:"errorDetail"`
	Cause        error   `json:"-"`
}

type ErrCode uint8

func (c ErrCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return e.ErrorMessage + ": " + e.Cause.Error()
	}
	return e.ErrorMessage
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

func New(version string, function string, errCode ErrCode, errMessage string) error {
	return &CacheError{
		Version:      version,
		Function:     function,
		ErrorCode:    errCode,
		ErrorMessage: errMessage,
	}
}

// Wrap is New with an underlying cause that remains reachable via Unwrap.
func Wrap(version string, function string, errCode ErrCode, errMessage string, cause error) error {
	return &CacheError{
		Version:      version,
		Function:     function,
		ErrorCode:    errCode,
		ErrorMessage: errMessage,
		Cause:        cause,
	}
}

// Code returns the ErrCode carried by err, if any error in its chain is a
// CacheError.
func Code(err error) (ErrCode, bool) {
	for err != nil {
		if ce, ok := err.(*CacheError); ok {
			return ce.ErrorCode, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
