package ethutil

import "github.com/ethereum/go-ethereum/common"

// Overlap returns the addresses of b that also appear in a, in b's order.
func Overlap(a, b []common.Address) []common.Address {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	in := make(map[common.Address]bool, len(a))
	for _, x := range a {
		in[x] = true
	}
	var out []common.Address
	for _, y := range b {
		if in[y] {
			out = append(out, y)
		}
	}
	return out
}
