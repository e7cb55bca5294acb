package gateway

import "errors"

var errRateLimited = errors.New("gateway: rate limit exceeded for key")
