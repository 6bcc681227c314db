// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/cellkit/cellkit"

func main() {
	cellkit.Main()
}
