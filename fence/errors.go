package fence

import "errors"

// ErrFenceTimeout is returned by Wait when a hang timeout is configured and
// the bound tick does not complete in time.
var ErrFenceTimeout = errors.New("fence: wait timed out")
