package mp4

import "errors"

// Error taxonomy for the demuxer.
//
// ErrTruncatedBox means a box header or body extends past the bytes seen so
// far. It is recoverable: the incremental engine treats it as "wait for more
// input" and never surfaces it from Parse. Everything else is surfaced.
var (
	// ErrTruncatedBox signals that more input is needed to decode a box.
	ErrTruncatedBox = errors.New("mp4: truncated box")

	// ErrMalformedBox signals a structural violation: a declared size smaller
	// than the box header, a child overflowing its parent, or a required field
	// missing. The demuxer enters its terminal error state.
	ErrMalformedBox = errors.New("mp4: malformed box")

	// ErrUnsupportedConfig signals a sample description the track builder
	// cannot decode. Fatal for that track only.
	ErrUnsupportedConfig = errors.New("mp4: unsupported track configuration")

	// ErrKeyRetrieval signals that the key source failed to fetch or resolve a
	// content key. Protected samples are still indexed and delivered, but stay
	// encrypted.
	ErrKeyRetrieval = errors.New("mp4: key retrieval failed")

	// ErrConsumerAborted is returned by Parse when the sample callback returns
	// false. Delivery stops at the rejecting sample.
	ErrConsumerAborted = errors.New("mp4: consumer aborted")

	// ErrNotInitialized is returned when Parse or LoadMoov is called before Init.
	ErrNotInitialized = errors.New("mp4: demuxer not initialized")
)
