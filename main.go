// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// j1939stat - SAE J1939 Diagnostic Tool
//
// A CLI tool for monitoring, querying and bridging SAE J1939 networks.

package main

import (
	"os"

	"github.com/Thermoquad/j1939stat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
