// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package runner

// SkipRace lets the external tests skip under the race detector.
var SkipRace = skipRace
