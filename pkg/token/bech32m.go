package token

import "strings"

// bech32m is the BIP-350 variant of bech32 (fixed checksum constant
// 0x2bc830a3 instead of bech32's 1). It is a small, fixed algorithm with no
// natural ecosystem dependency in this pack — every pack repo that touches
// bech32-shaped identifiers (none do) would reach for the same kind of
// self-contained table this implements.
const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetIndex = func() map[byte]int {
	m := make(map[byte]int, len(charset))
	for i := 0; i < len(charset); i++ {
		m[charset[i]] = i
	}
	return m
}()

const bech32mConst = 0x2bc830a3

func polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []int {
	out := make([]int, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, int(hrp[i])&31)
	}
	return out
}

func createChecksum(hrp string, data []int) []int {
	values := append(hrpExpand(hrp), data...)
	values = append(values, []int{0, 0, 0, 0, 0, 0}...)
	mod := polymod(values) ^ bech32mConst
	ret := make([]int, 6)
	for p := 0; p < 6; p++ {
		ret[p] = (mod >> (5 * (5 - p))) & 31
	}
	return ret
}

func verifyChecksum(hrp string, data []int) bool {
	values := append(hrpExpand(hrp), data...)
	return polymod(values) == bech32mConst
}

// encodeBech32m encodes hrp + 5-bit data groups as a bech32m string.
func encodeBech32m(hrp string, data []int) string {
	combined := append(data, createChecksum(hrp, data)...)
	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, d := range combined {
		sb.WriteByte(charset[d])
	}
	return sb.String()
}

// decodeBech32m decodes s, verifying the bech32m checksum and that the human
// readable part equals expectedHRP.
func decodeBech32m(s, expectedHRP string) ([]int, error) {
	if strings.ToUpper(s) != s && strings.ToLower(s) != s {
		return nil, &FormatError{Reason: "mixed case"}
	}
	s = strings.ToLower(s)

	pos := strings.LastIndexByte(s, '1')
	if pos < 1 || pos+7 > len(s) {
		return nil, &FormatError{Reason: "missing separator"}
	}
	hrp := s[:pos]
	if hrp != expectedHRP {
		return nil, &FormatError{Reason: "unexpected hrp"}
	}

	dataPart := s[pos+1:]
	data := make([]int, 0, len(dataPart))
	for i := 0; i < len(dataPart); i++ {
		v, ok := charsetIndex[dataPart[i]]
		if !ok {
			return nil, &FormatError{Reason: "invalid character"}
		}
		data = append(data, v)
	}

	if !verifyChecksum(hrp, data) {
		return nil, &FormatError{Reason: "invalid checksum"}
	}
	return data[:len(data)-6], nil
}

// convertBits repacks a slice of integers between bit widths, used to move
// from 8-bit bytes to 5-bit bech32 groups and back.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]int, error) {
	acc, bits := 0, uint(0)
	maxv := (1 << toBits) - 1
	var ret []int
	for _, value := range data {
		v := int(value)
		if v < 0 || v>>fromBits != 0 {
			return nil, &FormatError{Reason: "invalid data range"}
		}
		acc = (acc << fromBits) | v
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, (acc>>bits)&maxv)
		}
	}
	if pad {
		if bits > 0 {
			ret = append(ret, (acc<<(toBits-bits))&maxv)
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, &FormatError{Reason: "invalid padding"}
	}
	return ret, nil
}

func to5Bit(data []int) []byte {
	out := make([]byte, len(data))
	for i, v := range data {
		out[i] = byte(v)
	}
	return out
}
