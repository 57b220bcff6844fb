package codec

import "errors"

// ErrBadEncoding marks invalid tag bytes or truncated input.
var ErrBadEncoding = errors.New("bad encoding")

// ErrSchemaMismatch marks a length mismatch between a schema and an encoded
// row, or a decode that does not consume exactly its input.
var ErrSchemaMismatch = errors.New("schema mismatch")
