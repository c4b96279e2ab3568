// Copyright 2019 Lanikai Labs. All rights reserved.

package srtp

import "errors"

var (
	errMalformedPacket      = errors.New("malformed packet")
	errUnsupportedVersion   = errors.New("unsupported version")
	errReplayed             = errors.New("replayed packet rejected")
	errAuthenticationFailed = errors.New("SRTP authentication tag mismatch")
)
