package siphon

import (
	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// Account-linkage checks. Every instruction runs them before its first
// CPI so a mismatch never leaves partial effects.

func requireSigner(acc *svm.AccountInfo, name string) error {
	if !acc.IsSigner {
		return errorf(ErrAccountNotSigner, "%s %s", name, acc.Key)
	}
	return nil
}

// loadConfig checks that acc is this program's configuration PDA and
// decodes it.
func (p *Processor) loadConfig(acc *svm.AccountInfo) (*Config, error) {
	if acc.Key != p.configAddr {
		return nil, errorf(ErrConstraintSeeds, "config %s, want %s", acc.Key, p.configAddr)
	}
	if acc.Owner != p.programID {
		return nil, errorf(ErrAccountOwnedByWrongProgram, "config owned by %s", acc.Owner)
	}
	return UnmarshalConfig(acc.Data)
}

func checkAuthority(acc *svm.AccountInfo, cfg *Config) error {
	if acc.Key != cfg.Authority {
		return errorf(ErrInvalidAuthority, "got %s", acc.Key)
	}
	return nil
}

func checkDestination(acc *svm.AccountInfo, cfg *Config) error {
	if acc.Key != cfg.DivertDestination {
		return errorf(ErrInvalidAttackDestination, "got %s", acc.Key)
	}
	return nil
}

// checkMint verifies the mint is the configured token and decodes it.
func checkMint(acc *svm.AccountInfo, cfg *Config) (*token.Mint, error) {
	if acc.Key != cfg.TokenMint {
		return nil, errorf(ErrInvalidMint, "got %s", acc.Key)
	}
	if !types.IsTokenProgram(acc.Owner) {
		return nil, errorf(ErrAccountOwnedByWrongProgram, "mint owned by %s", acc.Owner)
	}
	m, err := token.UnpackMint(acc.Data)
	if err != nil || !m.IsInitialized {
		return nil, errorf(ErrInvalidMint, "%s is not an initialized mint", acc.Key)
	}
	return m, nil
}

// checkTokenProgram verifies prog is the program that owns the mint.
func checkTokenProgram(prog, mint *svm.AccountInfo) error {
	if !types.IsTokenProgram(prog.Key) || prog.Key != mint.Owner {
		return errorf(ErrInvalidTokenAccount, "token program %s does not own mint", prog.Key)
	}
	return nil
}

// checkTokenAccount verifies acc is a token account for mint held by owner.
func checkTokenAccount(acc *svm.AccountInfo, mint, owner types.Pubkey) (*token.Account, error) {
	if !types.IsTokenProgram(acc.Owner) {
		return nil, errorf(ErrInvalidTokenAccount, "%s owned by %s", acc.Key, acc.Owner)
	}
	ta, err := token.UnpackAccount(acc.Data)
	if err != nil || !ta.IsInitialized() {
		return nil, errorf(ErrInvalidTokenAccount, "%s", acc.Key)
	}
	if ta.Mint != mint {
		return nil, errorf(ErrInvalidMint, "token account %s holds %s", acc.Key, ta.Mint)
	}
	if ta.Owner != owner {
		return nil, errorf(ErrInvalidOwner, "token account %s owned by %s", acc.Key, ta.Owner)
	}
	return ta, nil
}

// optional returns nil for an account slot filled with the program id,
// which is how callers mark an optional account as absent.
func (p *Processor) optional(acc *svm.AccountInfo) *svm.AccountInfo {
	if acc == nil || acc.Key == p.programID {
		return nil
	}
	return acc
}
