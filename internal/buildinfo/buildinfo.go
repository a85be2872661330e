// Copyright (c) 2025, the DFlexy contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

// Populated at build time via -ldflags "-X ...".
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent identifies metarr against upstream mirrors and tracker-list hosts.
var UserAgent = fmt.Sprintf("metarr/%s", Version)
