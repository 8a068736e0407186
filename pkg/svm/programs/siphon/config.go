package siphon

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
)

// Config layout sizes.
const (
	DiscriminatorLen = 8
	ConfigBodyLen    = 32 + 32 + 8 + 32
	ConfigLen        = DiscriminatorLen + ConfigBodyLen
)

// ConfigSeed is the PDA seed of the configuration account.
var ConfigSeed = []byte("config")

// ConfigDiscriminator prefixes the configuration account data.
var ConfigDiscriminator = discriminator("account:ProgramConfig")

// Config is the program-wide configuration. It is written once by
// initialize and only read afterwards.
type Config struct {
	Authority         types.Pubkey
	TokenMint         types.Pubkey
	ExchangeRate      uint64
	DivertDestination types.Pubkey
}

// ConfigAddress derives the configuration PDA of programID.
func ConfigAddress(programID types.Pubkey) (types.Pubkey, uint8, error) {
	return svm.FindProgramAddress([][]byte{ConfigSeed}, programID)
}

// Marshal encodes the configuration with its discriminator.
func (c *Config) Marshal() []byte {
	buf := make([]byte, ConfigLen)
	copy(buf, ConfigDiscriminator[:])
	c.marshalBody(buf[DiscriminatorLen:])
	return buf
}

func (c *Config) marshalBody(b []byte) {
	copy(b[0:32], c.Authority[:])
	copy(b[32:64], c.TokenMint[:])
	binary.LittleEndian.PutUint64(b[64:72], c.ExchangeRate)
	copy(b[72:104], c.DivertDestination[:])
}

// UnmarshalConfig decodes a configuration account, discriminator included.
func UnmarshalConfig(data []byte) (*Config, error) {
	if len(data) < DiscriminatorLen {
		return nil, errorf(ErrAccountDiscriminatorMismatch, "config data too short")
	}
	var d [DiscriminatorLen]byte
	copy(d[:], data[:DiscriminatorLen])
	if d != ConfigDiscriminator {
		return nil, ErrAccountDiscriminatorMismatch
	}
	return decodeConfigBody(data[DiscriminatorLen:])
}

// decodeConfigBody reads the fields after the discriminator.
func decodeConfigBody(b []byte) (*Config, error) {
	if len(b) < ConfigBodyLen {
		return nil, errorf(ErrAccountDeserializationFailed, "config body is %d bytes, want %d", len(b), ConfigBodyLen)
	}
	c := &Config{ExchangeRate: binary.LittleEndian.Uint64(b[64:72])}
	copy(c.Authority[:], b[0:32])
	copy(c.TokenMint[:], b[32:64])
	copy(c.DivertDestination[:], b[72:104])
	return c, nil
}

// ReadRawBytes returns length bytes of the account's data at offset, or
// fewer if the data ends early. It does not check the owner or the
// discriminator.
func ReadRawBytes(acc *svm.AccountInfo, offset, length int) []byte {
	if acc == nil || offset >= len(acc.Data) {
		return nil
	}
	end := offset + length
	if end > len(acc.Data) {
		end = len(acc.Data)
	}
	out := make([]byte, end-offset)
	copy(out, acc.Data[offset:end])
	return out
}

// readConfigRaw rebuilds the configuration from raw bytes, skipping the
// discriminator.
func readConfigRaw(acc *svm.AccountInfo) (*Config, error) {
	return decodeConfigBody(ReadRawBytes(acc, DiscriminatorLen, ConfigBodyLen))
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}
