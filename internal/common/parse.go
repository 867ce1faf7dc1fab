package common

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseHeight converts a Tendermint height string into a number.
// Tendermint encodes int64 values as JSON strings; an empty string is treated as zero.
func ParseHeight(val string) (uint64, error) {
	str := strings.TrimSpace(val)
	if str == "" {
		return 0, nil
	}

	h, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid height %q: %w", val, err)
	}

	return h, nil
}

// FormatHeight renders a height the way Tendermint RPC expects it in positional params.
func FormatHeight(h uint64) string {
	return strconv.FormatUint(h, 10)
}

const bytesInMB = 1024 * 1024

func MBToBytes(mb uint64) uint64 {
	return mb * bytesInMB
}

func BytesToMB(bytes uint64) uint64 {
	return bytes / bytesInMB
}

func ToLowerWithTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
