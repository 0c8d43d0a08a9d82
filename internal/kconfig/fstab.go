package kconfig

import "wafer/internal/errs"

// Fstab is the parsed form of the 3-byte boot-partition /fstab file
// (spec.md §6): a root-partition digit, a delimiter, and an encrypted
// flag.
type Fstab struct {
	RootPartition int
	Encrypted     bool
}

// ParseFstab decodes the fixed 3-byte fstab layout.
func ParseFstab(raw []byte) (Fstab, error) {
	if len(raw) != 3 {
		return Fstab{}, errs.New(errs.KindInvalidInput, "fstab: expected 3 bytes")
	}
	digit := raw[0]
	if digit < '1' || digit > '4' {
		return Fstab{}, errs.New(errs.KindInvalidInput, "fstab: root partition digit out of range")
	}
	flag := raw[2]
	if flag != '0' && flag != '1' {
		return Fstab{}, errs.New(errs.KindInvalidInput, "fstab: encrypted flag must be '0' or '1'")
	}
	return Fstab{
		RootPartition: int(digit - '0'),
		Encrypted:     flag == '1',
	}, nil
}
