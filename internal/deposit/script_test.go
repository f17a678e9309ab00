package deposit

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
)

func testSignersPublicKey(t *testing.T) [32]byte {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	var pk [32]byte
	copy(pk[:], schnorr.SerializePubKey(priv.PubKey()))
	return pk
}

func TestDepositScriptRoundTrip(t *testing.T) {
	standard := stacks.NewStandard(26, [20]byte{1, 2, 3})
	contract := stacks.NewContract(26, [20]byte{1, 2, 3}, "my-contract")

	tests := []struct {
		name      string
		recipient stacks.Principal
		maxFee    uint64
	}{
		{"standard principal", standard, 3000},
		{"contract principal", contract, 12345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pubKey := testSignersPublicKey(t)
			inputs := ScriptInputs{SignersPublicKey: pubKey, Recipient: tt.recipient, MaxFee: tt.maxFee}

			script, err := inputs.Script()
			if err != nil {
				t.Fatalf("Script: %v", err)
			}

			parsed, err := ParseScript(script)
			if err != nil {
				t.Fatalf("ParseScript: %v", err)
			}
			if parsed.MaxFee != tt.maxFee {
				t.Errorf("max fee = %d, want %d", parsed.MaxFee, tt.maxFee)
			}
			if parsed.SignersPublicKey != pubKey {
				t.Errorf("signers public key mismatch")
			}
			if !parsed.Recipient.Equal(tt.recipient) {
				t.Errorf("recipient = %s, want %s", parsed.Recipient, tt.recipient)
			}
		})
	}
}

func TestParseScriptRejectsShortScript(t *testing.T) {
	_, err := ParseScript([]byte{0x00, 0x01, 0x02})
	if !signerr.Is(err, signerr.KindInvalidDepositScript) {
		t.Fatalf("err = %v, want KindInvalidDepositScript", err)
	}
}

func TestReclaimScriptRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		lockTime int64
	}{
		{"zero", 0},
		{"small immediate", 15},
		{"largest OP_PUSHNUM (OP_16)", 16},
		{"requires pushdata", 4000},
		{"max value", (1 << 39) - 1},
	}

	tail := []byte{0x75, 0xac} // OP_DROP OP_CHECKSIG, an arbitrary trailing script

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs, err := NewReclaimInputs(tt.lockTime, tail)
			if err != nil {
				t.Fatalf("NewReclaimInputs: %v", err)
			}
			script, err := inputs.Script()
			if err != nil {
				t.Fatalf("Script: %v", err)
			}

			parsed, err := ParseReclaimScript(script)
			if err != nil {
				t.Fatalf("ParseReclaimScript: %v", err)
			}
			if parsed.LockTime != tt.lockTime {
				t.Errorf("lock time = %d, want %d", parsed.LockTime, tt.lockTime)
			}
			if !bytes.Equal(parsed.Script, tail) {
				t.Errorf("trailing script = %x, want %x", parsed.Script, tail)
			}
		})
	}
}

func TestNewReclaimInputsRejectsOutOfRangeLockTime(t *testing.T) {
	for _, lt := range []int64{-1, 1 << 39} {
		if _, err := NewReclaimInputs(lt, nil); !signerr.Is(err, signerr.KindInvalidReclaimScriptLockTime) {
			t.Errorf("lock time %d: err = %v, want KindInvalidReclaimScriptLockTime", lt, err)
		}
	}
}

func TestParseReclaimScriptRejectsGarbage(t *testing.T) {
	_, err := ParseReclaimScript([]byte{0xff, 0xff, 0xff})
	if !signerr.Is(err, signerr.KindInvalidReclaimScript) {
		t.Fatalf("err = %v, want KindInvalidReclaimScript", err)
	}
}
