// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"github.com/oklog/ulid/v2"
)

// GenID returns a unique string to be used as a request id for tracing and
// cancellation. Ids are ULIDs, so they sort by creation time in logs.
func GenID() string {
	return ulid.Make().String()
}
