package bank

import (
	"errors"
	"testing"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
)

func TestTransactionSigners(t *testing.T) {
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob")

	tx := NewTransaction(alice.Public, types.Hash{},
		system.Transfer(bob.Public, alice.Public, 1),
		system.Transfer(alice.Public, bob.Public, 1),
		system.Transfer(bob.Public, alice.Public, 1),
	)
	signers := tx.Signers()
	if len(signers) != 2 {
		t.Fatalf("expected 2 signers, got %d", len(signers))
	}
	if signers[0] != alice.Public || signers[1] != bob.Public {
		t.Errorf("signer order: got %v", signers)
	}
}

func TestTransactionSignVerify(t *testing.T) {
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob")

	tx := NewTransaction(alice.Public, types.Hash{1}, system.Transfer(alice.Public, bob.Public, 10))
	if err := tx.Verify(); !errors.Is(err, ErrSignatureCount) {
		t.Errorf("unsigned: expected ErrSignatureCount, got %v", err)
	}
	if err := tx.Sign(alice); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	id := tx.ID()
	tx.Instructions[0].Data[4] = 11
	if err := tx.Verify(); !errors.Is(err, ErrSignatureVerification) {
		t.Errorf("tampered: expected ErrSignatureVerification, got %v", err)
	}
	if tx.ID() == id {
		t.Error("id should change with the message")
	}
}

func TestTransactionSignRequiresEveryKey(t *testing.T) {
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob")

	tx := NewTransaction(alice.Public, types.Hash{}, system.Transfer(bob.Public, alice.Public, 1))
	if err := tx.Sign(alice); !errors.Is(err, ErrMissingSigner) {
		t.Errorf("expected ErrMissingSigner, got %v", err)
	}
	if err := tx.Sign(alice, bob, types.KeypairFromName("carol")); err != nil {
		t.Errorf("extra keys should be ignored: %v", err)
	}
}

func TestEmptyTransaction(t *testing.T) {
	alice := types.KeypairFromName("alice")
	tx := NewTransaction(alice.Public, types.Hash{})
	if err := tx.Sign(alice); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tx.Verify(); !errors.Is(err, ErrEmptyTransaction) {
		t.Errorf("expected ErrEmptyTransaction, got %v", err)
	}
}
