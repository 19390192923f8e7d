// Copyright (C) The Deconveil Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/deconveil/deconveil"

func main() {
	deconveil.Main()
}
