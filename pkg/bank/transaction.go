package bank

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
)

// Transaction errors.
var (
	ErrEmptyTransaction      = errors.New("transaction has no instructions")
	ErrMissingSigner         = errors.New("no keypair for required signer")
	ErrSignatureCount        = errors.New("signature count does not match required signers")
	ErrSignatureVerification = errors.New("signature verification failed")
)

// Transaction is a signed list of instructions. The fee payer is always
// the first signer.
type Transaction struct {
	FeePayer        types.Pubkey
	RecentBlockhash types.Hash
	Instructions    []svm.Instruction
	Signatures      []types.Signature
}

// NewTransaction creates an unsigned transaction.
func NewTransaction(feePayer types.Pubkey, blockhash types.Hash, ixs ...svm.Instruction) *Transaction {
	return &Transaction{
		FeePayer:        feePayer,
		RecentBlockhash: blockhash,
		Instructions:    ixs,
	}
}

// Signers returns the keys that must sign, fee payer first, then every
// signer account meta of the top-level instructions in order of appearance.
func (tx *Transaction) Signers() []types.Pubkey {
	seen := map[types.Pubkey]bool{tx.FeePayer: true}
	signers := []types.Pubkey{tx.FeePayer}
	for _, ix := range tx.Instructions {
		for _, meta := range ix.Accounts {
			if meta.IsSigner && !seen[meta.Pubkey] {
				seen[meta.Pubkey] = true
				signers = append(signers, meta.Pubkey)
			}
		}
	}
	return signers
}

// Message returns the bytes covered by the signatures.
//
// Layout: fee payer (32) | blockhash (32) | u16 instruction count, then per
// instruction: program id (32) | u16 account count | (key (32) | flags (1))*
// | u32 data length | data.
func (tx *Transaction) Message() []byte {
	size := 32 + 32 + 2
	for _, ix := range tx.Instructions {
		size += 32 + 2 + len(ix.Accounts)*33 + 4 + len(ix.Data)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, tx.FeePayer[:]...)
	buf = append(buf, tx.RecentBlockhash[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tx.Instructions)))
	for _, ix := range tx.Instructions {
		buf = append(buf, ix.ProgramID[:]...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ix.Accounts)))
		for _, meta := range ix.Accounts {
			buf = append(buf, meta.Pubkey[:]...)
			var flags byte
			if meta.IsSigner {
				flags |= 1
			}
			if meta.IsWritable {
				flags |= 2
			}
			buf = append(buf, flags)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// Sign signs the message with the given keypairs. Every required signer
// must be among keys; extra keys are ignored.
func (tx *Transaction) Sign(keys ...*types.Keypair) error {
	byKey := make(map[types.Pubkey]*types.Keypair, len(keys))
	for _, k := range keys {
		byKey[k.Public] = k
	}

	msg := tx.Message()
	signers := tx.Signers()
	sigs := make([]types.Signature, len(signers))
	for i, signer := range signers {
		kp, ok := byKey[signer]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingSigner, signer)
		}
		sigs[i] = kp.Sign(msg)
	}
	tx.Signatures = sigs
	return nil
}

// Verify checks that every required signer produced a valid signature.
func (tx *Transaction) Verify() error {
	if len(tx.Instructions) == 0 {
		return ErrEmptyTransaction
	}
	signers := tx.Signers()
	if len(tx.Signatures) != len(signers) {
		return fmt.Errorf("%w: have %d, need %d", ErrSignatureCount, len(tx.Signatures), len(signers))
	}
	msg := tx.Message()
	for i, signer := range signers {
		if !tx.Signatures[i].Verify(signer, msg) {
			return fmt.Errorf("%w: signer %s", ErrSignatureVerification, signer)
		}
	}
	return nil
}

// ID returns the transaction id: BLAKE3 of the message followed by the
// signatures.
func (tx *Transaction) ID() types.Hash {
	h := blake3.New()
	h.Write(tx.Message())
	for _, sig := range tx.Signatures {
		h.Write(sig[:])
	}
	var id types.Hash
	copy(id[:], h.Sum(nil))
	return id
}
