// compat_unix.go - Platform routines, Unix.
// Copyright (C) 2025  Stillpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

//go:build !windows
// +build !windows

// Package compat provides wrappers around platform specific routines.
package compat

import "syscall"

// Umask sets the file mode creation mask and returns the previous mask.
func Umask(mask int) int {
	return syscall.Umask(mask)
}
