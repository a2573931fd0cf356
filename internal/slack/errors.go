package slack

import "errors"

// ErrInvalidReport means the report lacks data the message cannot be built without.
var ErrInvalidReport = errors.New("invalid build report")
