package idl

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const ixTagValue uint64 = 0x0a69e9a778bcf440

// IxTag prefixes every administrative IDL instruction. The program dispatches
// on the first eight bytes, so this keeps IDL operations apart from its own
// instructions.
var IxTag = func() [8]byte {
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], ixTagValue)
	return out
}()

type OpKind uint8

const (
	OpCreate OpKind = iota
	OpCreateBuffer
	OpWrite
	OpSetBuffer
	OpSetAuthority
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "Create"
	case OpCreateBuffer:
		return "CreateBuffer"
	case OpWrite:
		return "Write"
	case OpSetBuffer:
		return "SetBuffer"
	case OpSetAuthority:
		return "SetAuthority"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Op is one administrative IDL operation.
type Op interface {
	Kind() OpKind
	encodeArgs(enc *bin.Encoder) error
}

type Create struct {
	DataLen uint64
}

type CreateBuffer struct{}

// Write appends Data to the target account. There is no offset: the program
// appends in arrival order.
type Write struct {
	Data []byte
}

type SetBuffer struct{}

type SetAuthority struct {
	NewAuthority solana.PublicKey
}

func (Create) Kind() OpKind       { return OpCreate }
func (CreateBuffer) Kind() OpKind { return OpCreateBuffer }
func (Write) Kind() OpKind        { return OpWrite }
func (SetBuffer) Kind() OpKind    { return OpSetBuffer }
func (SetAuthority) Kind() OpKind { return OpSetAuthority }

func (op Create) encodeArgs(enc *bin.Encoder) error {
	return enc.WriteUint64(op.DataLen, bin.LE)
}

func (CreateBuffer) encodeArgs(*bin.Encoder) error { return nil }

func (op Write) encodeArgs(enc *bin.Encoder) error {
	return enc.WriteBytes(op.Data, true)
}

func (SetBuffer) encodeArgs(*bin.Encoder) error { return nil }

func (op SetAuthority) encodeArgs(enc *bin.Encoder) error {
	return enc.WriteBytes(op.NewAuthority.Bytes(), false)
}

// EncodeInstruction returns IxTag followed by the Borsh encoding of op.
func EncodeInstruction(op Op) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(IxTag[:])

	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteUint8(uint8(op.Kind())); err != nil {
		return nil, fmt.Errorf("write %s variant: %w", op.Kind(), err)
	}
	if err := op.encodeArgs(enc); err != nil {
		return nil, fmt.Errorf("write %s args: %w", op.Kind(), err)
	}
	return buf.Bytes(), nil
}

// DecodeInstruction parses instruction data produced by EncodeInstruction.
func DecodeInstruction(data []byte) (Op, error) {
	if len(data) < len(IxTag) || !bytes.Equal(data[:len(IxTag)], IxTag[:]) {
		return nil, fmt.Errorf("%w: missing idl instruction tag", ErrDiscriminatorMismatch)
	}

	dec := bin.NewBorshDecoder(data[len(IxTag):])
	variant, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: read variant: %v", ErrDecode, err)
	}

	var op Op
	switch OpKind(variant) {
	case OpCreate:
		dataLen, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return nil, fmt.Errorf("%w: read data_len: %v", ErrDecode, err)
		}
		op = Create{DataLen: dataLen}
	case OpCreateBuffer:
		op = CreateBuffer{}
	case OpWrite:
		payload, err := dec.ReadByteSlice()
		if err != nil {
			return nil, fmt.Errorf("%w: read write data: %v", ErrDecode, err)
		}
		op = Write{Data: payload}
	case OpSetBuffer:
		op = SetBuffer{}
	case OpSetAuthority:
		key, err := dec.ReadBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("%w: read new authority: %v", ErrDecode, err)
		}
		op = SetAuthority{NewAuthority: solana.PublicKeyFromBytes(key)}
	default:
		return nil, fmt.Errorf("%w: unknown idl instruction variant %d", ErrDecode, variant)
	}

	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrDecode, dec.Remaining(), op.Kind())
	}
	return op, nil
}

// NewCreateInstruction creates the canonical IDL account with room for
// dataLen bytes of compressed payload.
func NewCreateInstruction(programID, payer solana.PublicKey, dataLen uint64) (solana.Instruction, error) {
	idlAddress, err := CanonicalAddress(programID)
	if err != nil {
		return nil, err
	}
	programSigner, _, err := ProgramSigner(programID)
	if err != nil {
		return nil, fmt.Errorf("derive program signer: %w", err)
	}
	data, err := EncodeInstruction(Create{DataLen: dataLen})
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(idlAddress, true, false),
		solana.NewAccountMeta(programSigner, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(programID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func NewCreateBufferInstruction(programID, buffer, authority solana.PublicKey) (solana.Instruction, error) {
	data, err := EncodeInstruction(CreateBuffer{})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(buffer, true, false),
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func NewWriteInstruction(programID, target, authority solana.PublicKey, piece []byte) (solana.Instruction, error) {
	data, err := EncodeInstruction(Write{Data: piece})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(target, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

// NewSetBufferInstruction copies the buffer's payload into the canonical IDL
// account of programID.
func NewSetBufferInstruction(programID, buffer, authority solana.PublicKey) (solana.Instruction, error) {
	idlAddress, err := CanonicalAddress(programID)
	if err != nil {
		return nil, err
	}
	data, err := EncodeInstruction(SetBuffer{})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(buffer, true, false),
		solana.NewAccountMeta(idlAddress, true, false),
		solana.NewAccountMeta(authority, true, true),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

func NewSetAuthorityInstruction(programID, target, authority, newAuthority solana.PublicKey) (solana.Instruction, error) {
	data, err := EncodeInstruction(SetAuthority{NewAuthority: newAuthority})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(target, true, false),
		solana.NewAccountMeta(authority, false, true),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}
