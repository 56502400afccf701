// Package chaintest provides an in-memory ledger that satisfies chain.RPC. It
// executes system account creation and the IDL administrative instructions so
// write paths can be exercised without a validator.
package chaintest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/idlctl/internal/chain"
	"github.com/coldbell/idlctl/internal/idl"
)

const lamportsPerByte = 6960

var computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

var ErrInjectedFailure = errors.New("injected send failure")

type Account struct {
	Owner      solana.PublicKey
	Lamports   uint64
	Executable bool
	Data       []byte
}

func (a *Account) clone() *Account {
	out := *a
	out.Data = append([]byte(nil), a.Data...)
	return &out
}

// Ledger is safe for concurrent use, though the code under test never needs it.
type Ledger struct {
	mu       sync.Mutex
	slot     uint64
	accounts map[solana.PublicKey]*Account
	statuses map[solana.Signature]*rpc.SignatureStatusesResult
	sent     []*solana.Transaction
	failures map[int]error
	pending  map[solana.Signature]int
	pollLag  int
}

var _ chain.RPC = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		slot:     1,
		accounts: map[solana.PublicKey]*Account{},
		statuses: map[solana.Signature]*rpc.SignatureStatusesResult{},
		failures: map[int]error{},
		pending:  map[solana.Signature]int{},
	}
}

// SetAccount seeds or replaces an account.
func (l *Ledger) SetAccount(address solana.PublicKey, account Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = account.clone()
}

// DeployProgram registers an executable account owned by owner.
func (l *Ledger) DeployProgram(programID, owner solana.PublicKey, data []byte) {
	l.SetAccount(programID, Account{Owner: owner, Lamports: 1, Executable: true, Data: data})
}

func (l *Ledger) Account(address solana.PublicKey) (*Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.accounts[address]
	if !ok {
		return nil, false
	}
	return account.clone(), true
}

// Sent returns every transaction accepted by SendTransactionWithOpts,
// including ones that failed during execution.
func (l *Ledger) Sent() []*solana.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*solana.Transaction(nil), l.sent...)
}

// FailSend makes the send attempted after n accepted transactions return err
// without touching state. The failure fires once.
func (l *Ledger) FailSend(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		err = ErrInjectedFailure
	}
	l.failures[n] = err
}

// SetConfirmationLag makes each signature report as unknown for the given
// number of status polls before it becomes visible.
func (l *Ledger) SetConfirmationLag(polls int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pollLag = polls
}

func (l *Ledger) GetAccountInfoWithOpts(_ context.Context, address solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[address]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: l.slot}},
		Value: &rpc.Account{
			Lamports:   account.Lamports,
			Owner:      account.Owner,
			Data:       rpc.DataBytesOrJSONFromBytes(append([]byte(nil), account.Data...)),
			Executable: account.Executable,
		},
	}, nil
}

func (l *Ledger) GetMinimumBalanceForRentExemption(_ context.Context, dataSize uint64, _ rpc.CommitmentType) (uint64, error) {
	return rentExempt(dataSize), nil
}

func (l *Ledger) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &rpc.GetLatestBlockhashResult{
		RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: l.slot}},
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.HashFromBytes(blockhashFor(l.slot)),
			LastValidBlockHeight: l.slot + 150,
		},
	}, nil
}

// SendTransactionWithOpts behaves like a validator with preflight disabled:
// the signature is returned even when execution fails, and the failure is
// visible through GetSignatureStatuses.
func (l *Ledger) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt := len(l.sent)
	if err, ok := l.failures[attempt]; ok {
		delete(l.failures, attempt)
		return solana.Signature{}, err
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction has no signatures")
	}
	if err := verifySignatures(tx); err != nil {
		return solana.Signature{}, err
	}

	l.sent = append(l.sent, tx)
	l.slot++
	sig := tx.Signatures[0]

	status := &rpc.SignatureStatusesResult{
		Slot:               l.slot,
		ConfirmationStatus: rpc.ConfirmationStatusFinalized,
	}
	if err := l.execute(tx); err != nil {
		status.Err = err.Error()
	}
	l.statuses[sig] = status
	l.pending[sig] = l.pollLag
	return sig, nil
}

func (l *Ledger) GetSignatureStatuses(_ context.Context, _ bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := &rpc.GetSignatureStatusesResult{
		RPCContext: rpc.RPCContext{Context: rpc.Context{Slot: l.slot}},
		Value:      make([]*rpc.SignatureStatusesResult, len(signatures)),
	}
	for i, sig := range signatures {
		if l.pending[sig] > 0 {
			l.pending[sig]--
			continue
		}
		if status, ok := l.statuses[sig]; ok {
			copied := *status
			out.Value[i] = &copied
		}
	}
	return out, nil
}

func verifySignatures(tx *solana.Transaction) error {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) != required {
		return fmt.Errorf("expected %d signatures, got %d", required, len(tx.Signatures))
	}
	for i := 0; i < required; i++ {
		if !tx.Signatures[i].Verify(tx.Message.AccountKeys[i], message) {
			return fmt.Errorf("invalid signature for %s", tx.Message.AccountKeys[i])
		}
	}
	return nil
}

// execute applies every instruction against a scratch copy and commits only
// when all of them succeed.
func (l *Ledger) execute(tx *solana.Transaction) error {
	scratch := make(map[solana.PublicKey]*Account, len(l.accounts))
	for key, account := range l.accounts {
		scratch[key] = account.clone()
	}

	for i, compiled := range tx.Message.Instructions {
		if int(compiled.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			return fmt.Errorf("instruction %d: program index out of range", i)
		}
		programID := tx.Message.AccountKeys[compiled.ProgramIDIndex]
		metas, err := accountMetas(tx, compiled)
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}

		switch {
		case programID.Equals(computeBudgetProgramID):
			continue
		case programID.Equals(solana.SystemProgramID):
			err = executeSystem(scratch, metas, compiled.Data)
		default:
			program, ok := scratch[programID]
			if !ok || !program.Executable {
				return fmt.Errorf("instruction %d: program %s is not deployed", i, programID)
			}
			err = executeIDL(scratch, programID, metas, compiled.Data)
		}
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}

	l.accounts = scratch
	return nil
}

func accountMetas(tx *solana.Transaction, compiled solana.CompiledInstruction) ([]*solana.AccountMeta, error) {
	metas := make([]*solana.AccountMeta, len(compiled.Accounts))
	for i, index := range compiled.Accounts {
		if int(index) >= len(tx.Message.AccountKeys) {
			return nil, fmt.Errorf("account index %d out of range", index)
		}
		key := tx.Message.AccountKeys[index]
		writable, err := tx.Message.IsWritable(key)
		if err != nil {
			return nil, err
		}
		metas[i] = &solana.AccountMeta{
			PublicKey:  key,
			IsSigner:   tx.Message.IsSigner(key),
			IsWritable: writable,
		}
	}
	return metas, nil
}

func executeSystem(accounts map[solana.PublicKey]*Account, metas []*solana.AccountMeta, data []byte) error {
	decoded, err := system.DecodeInstruction(metas, data)
	if err != nil {
		return fmt.Errorf("decode system instruction: %w", err)
	}
	create, ok := decoded.Impl.(*system.CreateAccount)
	if !ok {
		return fmt.Errorf("unsupported system instruction %T", decoded.Impl)
	}
	if len(metas) < 2 || !metas[0].IsSigner || !metas[1].IsSigner {
		return errors.New("create account requires funding and new account signatures")
	}
	newAccount := metas[1].PublicKey
	if _, exists := accounts[newAccount]; exists {
		return fmt.Errorf("account %s already in use", newAccount)
	}
	if *create.Lamports < rentExempt(*create.Space) {
		return fmt.Errorf("insufficient lamports for rent exemption of %d bytes", *create.Space)
	}
	accounts[newAccount] = &Account{
		Owner:    *create.Owner,
		Lamports: *create.Lamports,
		Data:     make([]byte, *create.Space),
	}
	return nil
}

// executeIDL mirrors the handlers an Anchor program injects for IDL
// management.
func executeIDL(accounts map[solana.PublicKey]*Account, programID solana.PublicKey, metas []*solana.AccountMeta, data []byte) error {
	op, err := idl.DecodeInstruction(data)
	if err != nil {
		return err
	}

	switch op := op.(type) {
	case idl.Create:
		if len(metas) < 6 || !metas[0].IsSigner {
			return errors.New("create: missing payer signature")
		}
		expected, err := idl.CanonicalAddress(programID)
		if err != nil {
			return err
		}
		if !metas[1].PublicKey.Equals(expected) {
			return fmt.Errorf("create: idl address %s is not canonical", metas[1].PublicKey)
		}
		if _, exists := accounts[expected]; exists {
			return fmt.Errorf("account %s already in use", expected)
		}
		space := uint64(idl.AccountHeaderSize) + op.DataLen
		body, err := idl.MarshalAccount(&idl.Account{Authority: metas[0].PublicKey})
		if err != nil {
			return err
		}
		raw := make([]byte, space)
		copy(raw, body)
		accounts[expected] = &Account{Owner: programID, Lamports: rentExempt(space), Data: raw}
		return nil

	case idl.CreateBuffer:
		if len(metas) < 2 || !metas[1].IsSigner {
			return errors.New("create buffer: missing authority signature")
		}
		buffer, ok := accounts[metas[0].PublicKey]
		if !ok || !buffer.Owner.Equals(programID) {
			return errors.New("create buffer: buffer must exist and be owned by the program")
		}
		for _, b := range buffer.Data {
			if b != 0 {
				return errors.New("create buffer: account already initialized")
			}
		}
		body, err := idl.MarshalAccount(&idl.Account{Authority: metas[1].PublicKey})
		if err != nil {
			return err
		}
		copy(buffer.Data, body)
		return nil

	case idl.Write:
		target, record, err := loadOwned(accounts, programID, metas, 0)
		if err != nil {
			return err
		}
		if err := requireAuthority(record, metas, 1); err != nil {
			return err
		}
		record.Data = append(record.Data, op.Data...)
		return store(target, record)

	case idl.SetBuffer:
		if len(metas) < 3 {
			return errors.New("set buffer: missing accounts")
		}
		_, buffer, err := loadOwned(accounts, programID, metas, 0)
		if err != nil {
			return err
		}
		target, record, err := loadOwned(accounts, programID, metas, 1)
		if err != nil {
			return err
		}
		if err := requireAuthority(record, metas, 2); err != nil {
			return err
		}
		if !buffer.Authority.Equals(record.Authority) {
			return errors.New("set buffer: buffer authority differs from idl authority")
		}
		record.Data = buffer.Data
		return store(target, record)

	case idl.SetAuthority:
		target, record, err := loadOwned(accounts, programID, metas, 0)
		if err != nil {
			return err
		}
		if err := requireAuthority(record, metas, 1); err != nil {
			return err
		}
		record.Authority = op.NewAuthority
		return store(target, record)
	}
	return fmt.Errorf("unhandled idl instruction %T", op)
}

func loadOwned(accounts map[solana.PublicKey]*Account, programID solana.PublicKey, metas []*solana.AccountMeta, index int) (*Account, *idl.Account, error) {
	if len(metas) <= index {
		return nil, nil, fmt.Errorf("missing account %d", index)
	}
	account, ok := accounts[metas[index].PublicKey]
	if !ok {
		return nil, nil, fmt.Errorf("account %s not found", metas[index].PublicKey)
	}
	if !account.Owner.Equals(programID) {
		return nil, nil, fmt.Errorf("account %s is not owned by %s", metas[index].PublicKey, programID)
	}
	record, err := idl.ParseAccount(account.Data)
	if err != nil {
		return nil, nil, err
	}
	return account, record, nil
}

func requireAuthority(record *idl.Account, metas []*solana.AccountMeta, index int) error {
	if len(metas) <= index {
		return errors.New("missing authority account")
	}
	if !metas[index].IsSigner || !metas[index].PublicKey.Equals(record.Authority) {
		return fmt.Errorf("%s is not the idl authority", metas[index].PublicKey)
	}
	return nil
}

func store(account *Account, record *idl.Account) error {
	body, err := idl.MarshalAccount(record)
	if err != nil {
		return err
	}
	if len(body) > len(account.Data) {
		return fmt.Errorf("account too small: need %d bytes, have %d", len(body), len(account.Data))
	}
	copy(account.Data, body)
	clear(account.Data[len(body):])
	return nil
}

func rentExempt(size uint64) uint64 {
	return (size + 128) * lamportsPerByte
}

func blockhashFor(slot uint64) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("blockhash-%d", slot)))
	return sum[:]
}
