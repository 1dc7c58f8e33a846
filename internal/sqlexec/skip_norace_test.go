// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !race

package sqlexec_test

import "testing"

func skipRace(testing.TB) {}
