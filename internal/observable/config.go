// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package observable

import (
	"fmt"
	"time"
)

// Config encapsulates parameters for the observable cache.
type Config struct {
	IdleTimeout    time.Duration // How long an observable without subscribers lives on.
	EvalTimeout    time.Duration // Deadline of a single evaluation, 0 for none.
	MaxObservables int           // Subscribes that would create more observables are rejected.
	FreeMemLimit   uint64        // No new observable if free system memory drops below this, 0 disables the check.
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.IdleTimeout < 0 {
		return fmt.Errorf("negative IdleTimeout %s", c.IdleTimeout)
	}
	if c.EvalTimeout < 0 {
		return fmt.Errorf("negative EvalTimeout %s", c.EvalTimeout)
	}
	if c.MaxObservables <= 0 {
		return fmt.Errorf("MaxObservables must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	IdleTimeout:    30 * time.Second,
	EvalTimeout:    10 * time.Second,
	MaxObservables: 100000,
	FreeMemLimit:   256 << 20,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing.
var DefaultTestConfig = Config{
	IdleTimeout:    100 * time.Millisecond,
	EvalTimeout:    time.Second,
	MaxObservables: 1000,
}
