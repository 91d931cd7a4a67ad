package errors

// Convenience functions for the asset store error taxonomy

// Source errors

// MalformedSource reports a repository or content URL that cannot be used.
func MalformedSource(url string, cause error) *Error {
	return Wrap(cause, CategorySource, SeverityWarning, "malformed source").
		WithContext("url", url)
}

// Transport errors

// Transport reports an I/O failure while fetching an index or content.
func Transport(url string, cause error) *Error {
	return WrapRetryable(cause, CategoryTransport, SeverityWarning, "transport failure").
		WithContext("url", url)
}

// Content errors

// Integrity reports downloaded bytes that hash to something other than the requested digest.
func Integrity(want, got, source string) *Error {
	return New(CategoryIntegrity, SeverityWarning, "content digest mismatch").
		WithContext("want", want).
		WithContext("got", got).
		WithContext("source", source)
}

// Decode reports kind-specific post-processing that failed for supplied bytes.
func Decode(kind string, cause error) *Error {
	return Wrap(cause, CategoryDecode, SeverityError, "content decode failed").
		WithContext("kind", kind)
}

// Cache errors

// CorruptCacheEntry reports an unreadable on-disk record.
func CorruptCacheEntry(digest string, cause error) *Error {
	return Wrap(cause, CategoryCache, SeverityWarning, "corrupt cache entry").
		WithContext("digest", digest)
}

// Config errors

func ConfigInvalid(field, reason string) *Error {
	return New(CategoryConfig, SeverityFatal, "invalid configuration").
		WithContext("field", field).
		WithContext("reason", reason)
}

// Internal errors

func InternalError(message string, cause error) *Error {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}
