package loader

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	BPFLoaderID            = solana.MustPublicKeyFromBase58("BPFLoader2111111111111111111111111111111111")
	BPFLoaderDeprecatedID  = solana.MustPublicKeyFromBase58("BPFLoader1111111111111111111111111111111111")
	BPFLoaderUpgradeableID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
)

var (
	ErrUnsupportedOwner       = errors.New("unsupported program owner")
	ErrUnsupportedLoaderState = errors.New("unsupported loader state")
)

const (
	stateTagUninitialized uint32 = iota
	stateTagBuffer
	stateTagProgram
	stateTagProgramData
)

const (
	// BufferMetadataSize is the serialized Buffer state that precedes the
	// bytecode in a buffer account.
	BufferMetadataSize = 4 + 1 + 32
	// ProgramDataMetadataSize is the serialized ProgramData state that
	// precedes the bytecode in a program data account.
	ProgramDataMetadataSize = 4 + 8 + 1 + 32
)

// State is the upgradeable loader's account state. It is one of
// Uninitialized, Buffer, Program or ProgramData.
type State interface {
	isLoaderState()
}

type Uninitialized struct{}

type Buffer struct {
	Authority *solana.PublicKey
}

type Program struct {
	ProgramDataAddress solana.PublicKey
}

type ProgramData struct {
	Slot             uint64
	UpgradeAuthority *solana.PublicKey
}

func (Uninitialized) isLoaderState() {}
func (Buffer) isLoaderState()        {}
func (Program) isLoaderState()       {}
func (ProgramData) isLoaderState()   {}

// DecodeState reads the bincode state header of an account owned by the
// upgradeable loader. Bytes after the header are not inspected.
func DecodeState(data []byte) (State, error) {
	dec := bin.NewBinDecoder(data)
	tag, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("%w: read state tag: %v", ErrUnsupportedLoaderState, err)
	}

	switch tag {
	case stateTagUninitialized:
		return Uninitialized{}, nil
	case stateTagBuffer:
		authority, err := readOptionalKey(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: buffer authority: %v", ErrUnsupportedLoaderState, err)
		}
		return Buffer{Authority: authority}, nil
	case stateTagProgram:
		key, err := dec.ReadBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("%w: program data address: %v", ErrUnsupportedLoaderState, err)
		}
		return Program{ProgramDataAddress: solana.PublicKeyFromBytes(key)}, nil
	case stateTagProgramData:
		slot, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return nil, fmt.Errorf("%w: program data slot: %v", ErrUnsupportedLoaderState, err)
		}
		authority, err := readOptionalKey(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: upgrade authority: %v", ErrUnsupportedLoaderState, err)
		}
		return ProgramData{Slot: slot, UpgradeAuthority: authority}, nil
	default:
		return nil, fmt.Errorf("%w: unknown state tag %d", ErrUnsupportedLoaderState, tag)
	}
}

// MarshalState produces the bincode header for state. Option fields always
// occupy their full width so bytecode offsets stay fixed.
func MarshalState(state State) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBinEncoder(&buf)

	var err error
	switch st := state.(type) {
	case Uninitialized:
		err = enc.WriteUint32(stateTagUninitialized, bin.LE)
	case Buffer:
		if err = enc.WriteUint32(stateTagBuffer, bin.LE); err == nil {
			err = writeOptionalKey(enc, st.Authority)
		}
	case Program:
		if err = enc.WriteUint32(stateTagProgram, bin.LE); err == nil {
			err = enc.WriteBytes(st.ProgramDataAddress.Bytes(), false)
		}
	case ProgramData:
		if err = enc.WriteUint32(stateTagProgramData, bin.LE); err == nil {
			if err = enc.WriteUint64(st.Slot, bin.LE); err == nil {
				err = writeOptionalKey(enc, st.UpgradeAuthority)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedLoaderState, state)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal loader state: %w", err)
	}
	return buf.Bytes(), nil
}

func readOptionalKey(dec *bin.Decoder) (*solana.PublicKey, error) {
	present, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	raw, err := dec.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, err
	}
	return solana.PublicKeyFromBytes(raw).ToPointer(), nil
}

func writeOptionalKey(enc *bin.Encoder, key *solana.PublicKey) error {
	if key == nil {
		if err := enc.WriteBool(false); err != nil {
			return err
		}
		return enc.WriteBytes(make([]byte, solana.PublicKeyLength), false)
	}
	if err := enc.WriteBool(true); err != nil {
		return err
	}
	return enc.WriteBytes(key.Bytes(), false)
}
