// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the modelbridge CLI.
package main

import (
	"os"

	"github.com/stacklok/modelbridge/cmd/mbridge/app"
	"github.com/stacklok/modelbridge/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
