// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"fmt"
	"net"
	"strings"
)

func ParseMAC(macStr string) ([]byte, error) {
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return nil, err
	}
	return hw, nil
}

// NormalizeMAC parses macStr and re-serializes it in canonical lowercase
// colon-separated form, so bindings keyed by MAC don't fragment across
// equivalent input spellings ("AA-BB-CC-DD-EE-FF" vs "aa:bb:cc:dd:ee:ff").
func NormalizeMAC(macStr string) (string, error) {
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return "", err
	}
	return FormatMAC(hw), nil
}

// IsValidMAC reports whether macStr parses as a 6-byte hardware address.
func IsValidMAC(macStr string) bool {
	hw, err := net.ParseMAC(macStr)
	return err == nil && len(hw) == 6
}

// IsBroadcastOrMulticast reports whether mac is the broadcast address or has
// the multicast bit set, neither of which is a valid device binding.
func IsBroadcastOrMulticast(mac []byte) bool {
	if len(mac) != 6 {
		return false
	}
	if strings.EqualFold(FormatMAC(mac), "ff:ff:ff:ff:ff:ff") {
		return true
	}
	return mac[0]&0x01 != 0
}

func FormatMAC(mac []byte) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// GenerateVirtualMAC generates a deterministic locally-administered Unicast MAC address
// based on the interface name.
// Prefix: 02:67:63 (Locally Administered, 'g', 'c')
func GenerateVirtualMAC(ifaceName string) []byte {
	hash := uint32(0)
	for _, c := range ifaceName {
		hash = hash*31 + uint32(c)
	}
	return []byte{
		0x02, // Locally-administered, unicast
		0x67, // 'g'
		0x63, // 'c'
		byte(hash >> 16),
		byte(hash >> 8),
		byte(hash),
	}
}
