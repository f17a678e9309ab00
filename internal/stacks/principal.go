// Package stacks implements the SIP-005 consensus encoding of Stacks
// principals, the recipient type embedded in a deposit script's
// op_drop_data (see internal/deposit).
package stacks

import (
	"fmt"
)

// Kind distinguishes a standard (wallet) principal from a contract
// principal.
type Kind byte

const (
	KindStandard Kind = 0x05
	KindContract Kind = 0x06
)

const (
	// hashLen is the length of the Hash160 identifying a Stacks address.
	hashLen = 20

	// MaxContractNameLen is SIP-005's maximum contract name length.
	MaxContractNameLen = 128

	// StandardPrincipalLen is the fixed wire length of a standard
	// principal: kind(1) + version(1) + hash160(20).
	StandardPrincipalLen = 1 + 1 + hashLen

	// MaxContractPrincipalLen is the maximum wire length of a contract
	// principal: kind(1) + version(1) + hash160(20) + name_len(1) + name(128).
	MaxContractPrincipalLen = StandardPrincipalLen + 1 + MaxContractNameLen
)

// Address is the (version, hash160) pair identifying a Stacks account,
// independent of whether it is used standalone or as a contract's
// issuer.
type Address struct {
	Version byte
	Hash160 [hashLen]byte
}

// Principal is a Stacks principal: either a standard address, or a
// contract identified by its issuer address plus a contract name.
type Principal struct {
	Kind         Kind
	Address      Address
	ContractName string // empty for KindStandard
}

// NewStandard builds a standard-principal value.
func NewStandard(version byte, hash160 [hashLen]byte) Principal {
	return Principal{Kind: KindStandard, Address: Address{Version: version, Hash160: hash160}}
}

// NewContract builds a contract-principal value.
func NewContract(version byte, hash160 [hashLen]byte, name string) Principal {
	return Principal{
		Kind:         KindContract,
		Address:      Address{Version: version, Hash160: hash160},
		ContractName: name,
	}
}

// Serialize returns the SIP-005 consensus encoding of p.
func (p Principal) Serialize() ([]byte, error) {
	switch p.Kind {
	case KindStandard:
		out := make([]byte, 0, StandardPrincipalLen)
		out = append(out, byte(KindStandard), p.Address.Version)
		out = append(out, p.Address.Hash160[:]...)
		return out, nil
	case KindContract:
		name := p.ContractName
		if len(name) == 0 || len(name) > MaxContractNameLen {
			return nil, fmt.Errorf("stacks: contract name length %d out of range [1,%d]", len(name), MaxContractNameLen)
		}
		out := make([]byte, 0, StandardPrincipalLen+1+len(name))
		out = append(out, byte(KindContract), p.Address.Version)
		out = append(out, p.Address.Hash160[:]...)
		out = append(out, byte(len(name)))
		out = append(out, name...)
		return out, nil
	default:
		return nil, fmt.Errorf("stacks: unknown principal kind %#x", byte(p.Kind))
	}
}

// ParsePrincipal decodes a SIP-005 principal from data, requiring the
// entire slice to be consumed (no trailing bytes) so that deposit-script
// parsing can treat "address bytes" as exactly one principal value.
func ParsePrincipal(data []byte) (Principal, error) {
	if len(data) < 2 {
		return Principal{}, fmt.Errorf("stacks: principal too short (%d bytes)", len(data))
	}
	kind := Kind(data[0])
	version := data[1]
	rest := data[2:]

	switch kind {
	case KindStandard:
		if len(rest) != hashLen {
			return Principal{}, fmt.Errorf("stacks: standard principal has %d trailing bytes, want %d", len(rest), hashLen)
		}
		var h [hashLen]byte
		copy(h[:], rest)
		return NewStandard(version, h), nil

	case KindContract:
		if len(rest) < hashLen+1 {
			return Principal{}, fmt.Errorf("stacks: contract principal too short")
		}
		var h [hashLen]byte
		copy(h[:], rest[:hashLen])
		nameLen := int(rest[hashLen])
		nameBytes := rest[hashLen+1:]
		if nameLen == 0 || nameLen > MaxContractNameLen {
			return Principal{}, fmt.Errorf("stacks: contract name length %d out of range [1,%d]", nameLen, MaxContractNameLen)
		}
		if len(nameBytes) != nameLen {
			return Principal{}, fmt.Errorf("stacks: contract name declared %d bytes, got %d trailing", nameLen, len(nameBytes))
		}
		return NewContract(version, h, string(nameBytes)), nil

	default:
		return Principal{}, fmt.Errorf("stacks: unknown principal kind %#x", byte(kind))
	}
}

// String renders a human-readable (non-c32-checksummed) form, useful in
// logs: "<version>:<hash160-hex>[.<contract-name>]".
func (p Principal) String() string {
	s := fmt.Sprintf("%d:%x", p.Address.Version, p.Address.Hash160)
	if p.Kind == KindContract {
		s += "." + p.ContractName
	}
	return s
}

// Equal reports whether two principals encode to the same bytes.
func (p Principal) Equal(other Principal) bool {
	pb, err1 := p.Serialize()
	ob, err2 := other.Serialize()
	if err1 != nil || err2 != nil {
		return false
	}
	if len(pb) != len(ob) {
		return false
	}
	for i := range pb {
		if pb[i] != ob[i] {
			return false
		}
	}
	return true
}
