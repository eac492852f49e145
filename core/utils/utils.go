// utils.go - Small byte slice helpers.
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

// Package utils provides shared helpers that do not belong anywhere else.
package utils

import (
	"crypto/subtle"
	"errors"
	"net"
	"runtime"
)

// ExplicitBzero zeroes the buffer b in a way the compiler will not
// optimize away.  Used to scrub key material before it is released
// back to the allocator.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// CtIsZero returns true iff every byte of b is zero, in constant time
// for a given length.
func CtIsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return subtle.ConstantTimeByteEq(acc, 0) == 1
}

// GetExternalIPv4Address returns the first global unicast IPv4 address
// assigned to an interface that is up and not a loopback.  It is only a
// guess, hosts with multiple routable addresses should configure the
// address to use explicitly.
func GetExternalIPv4Address() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			default:
				continue
			}
			if ip = ip.To4(); ip == nil {
				continue
			}
			if !ip.IsGlobalUnicast() {
				continue
			}
			return ip, nil
		}
	}
	return nil, errors.New("utils: no suitable IPv4 address found")
}
