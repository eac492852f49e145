// compat_windows.go - Platform routines, Windows.
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

//go:build windows
// +build windows

package compat

// Umask is a no-op on Windows, which has no notion of a file mode
// creation mask.  It always returns 0.
func Umask(mask int) int {
	return 0
}
