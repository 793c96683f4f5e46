package vm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// imageEndian pins little-endian encoding for every multi-byte integer in
// the image, per §4.6/§9's open question: "reimplementations must choose
// little-endian unless cross-compatibility with existing artifacts is
// explicitly required."
var imageEndian = binary.LittleEndian

const imageMagic = "XBIN"

// registerIDOrder fixes the stable register-id enumeration §4.6's 'R'
// operand tag refers to, matching §3's declared order.
var registerIDOrder = []Register{RAX, RBX, RCX, RDX, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15, RA, FR}

func registerID(r Register) byte {
	for i, candidate := range registerIDOrder {
		if candidate == r {
			return byte(i)
		}
	}
	return 0xFF
}

func registerByID(id byte) (Register, error) {
	if int(id) >= len(registerIDOrder) {
		return 0, fmt.Errorf("%w: register id %d", errUnknownRegister, id)
	}
	return registerIDOrder[id], nil
}

// ImageCodec serializes/deserializes Program values to/from the .xbin
// format. A file-based and an in-memory entry point share this one
// implementation, per §4.6's "both loaders exist with identical semantics."
type ImageCodec struct {
	log logrus.FieldLogger
}

func NewImageCodec(log logrus.FieldLogger) *ImageCodec {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ImageCodec{log: log}
}

func (c *ImageCodec) SaveFile(path string, prog *Program) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := c.Encode(w, prog); err != nil {
		return err
	}
	c.log.WithField("path", path).Debug("xbin: image written")
	return w.Flush()
}

func (c *ImageCodec) LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	prog, err := c.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	prog.Filename = path
	c.log.WithField("path", path).Debug("xbin: image loaded")
	return prog, nil
}

// EncodeBytes/DecodeBytes are the in-memory loader/saver pair.
func (c *ImageCodec) EncodeBytes(prog *Program) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, prog); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *ImageCodec) DecodeBytes(data []byte) (*Program, error) {
	return c.Decode(bytes.NewReader(data))
}

func (c *ImageCodec) Encode(w io.Writer, prog *Program) error {
	prog.DeriveCapabilityFlags()

	if _, err := w.Write([]byte(imageMagic)); err != nil {
		return err
	}
	flags := []CapabilityFlag{FlagStack, FlagMemory, FlagXcall}
	var active []CapabilityFlag
	for _, f := range flags {
		if prog.HasFlag(f) {
			active = append(active, f)
		}
	}
	if err := writeByte(w, byte(len(active))); err != nil {
		return err
	}
	slots := [4]byte{}
	for i, f := range active {
		slots[i] = byte(f)
	}
	if _, err := w.Write(slots[:]); err != nil {
		return err
	}

	if err := writeLenPrefixedString(w, prog.Filename); err != nil {
		return err
	}

	if err := writeUint64(w, uint64(len(prog.Instructions))); err != nil {
		return err
	}
	for _, ins := range prog.Instructions {
		if err := c.encodeInstruction(w, ins); err != nil {
			return err
		}
	}

	if err := writeUint64(w, uint64(len(prog.Labels))); err != nil {
		return err
	}
	for _, l := range prog.Labels {
		if err := writeLenPrefixedString(w, l.Name); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(l.Address)); err != nil {
			return err
		}
	}
	return nil
}

func (c *ImageCodec) encodeInstruction(w io.Writer, ins Instruction) error {
	if err := writeByte(w, byte(ins.Opcode)); err != nil {
		return err
	}
	if err := writeUint32(w, ins.Line); err != nil {
		return err
	}
	if err := writeByte(w, byte(len(ins.Operands))); err != nil {
		return err
	}
	for _, operand := range ins.Operands {
		if err := c.encodeOperand(w, operand); err != nil {
			return err
		}
	}
	return nil
}

func (c *ImageCodec) encodeOperand(w io.Writer, operand string) error {
	switch kind := ClassifyOperand(operand); kind {
	case OperandRegister:
		reg, _ := LookupRegister(operand)
		if err := writeByte(w, 'R'); err != nil {
			return err
		}
		return writeByte(w, registerID(reg))
	case OperandInt:
		n, err := parseSignedInt(operand)
		if err != nil {
			return err
		}
		if err := writeByte(w, 'N'); err != nil {
			return err
		}
		return encodeOptimalInt(w, n)
	case OperandString:
		// The surrounding quotes are stored with the literal so that it
		// still classifies as a string literal when loaded.
		if err := writeByte(w, 'S'); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(operand))); err != nil {
			return err
		}
		_, err := w.Write([]byte(operand))
		return err
	default:
		// Identifiers (labels, type keywords, float literals) are encoded
		// as strings; the operand's own text disambiguates its meaning at
		// load time the same way the textual parser does.
		if err := writeByte(w, 'S'); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(len(operand))); err != nil {
			return err
		}
		_, err := w.Write([]byte(operand))
		return err
	}
}

// optimalSize picks the smallest of {1, 2, 4, 8} bytes that holds v as a
// signed two's-complement value, mirroring optimal_size from the source.
func optimalSize(v int64) int {
	switch {
	case v >= -128 && v <= 127:
		return 1
	case v >= -32768 && v <= 32767:
		return 2
	case v >= -2147483648 && v <= 2147483647:
		return 4
	default:
		return 8
	}
}

func encodeOptimalInt(w io.Writer, v int64) error {
	size := optimalSize(v)
	if err := writeByte(w, byte(size)); err != nil {
		return err
	}
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = byte(int8(v))
	case 2:
		imageEndian.PutUint16(buf, uint16(int16(v)))
	case 4:
		imageEndian.PutUint32(buf, uint32(int32(v)))
	case 8:
		imageEndian.PutUint64(buf, uint64(v))
	}
	_, err := w.Write(buf)
	return err
}

func decodeOptimalInt(r io.Reader) (int64, error) {
	size, err := readByte(r)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, errTruncatedImage
	}
	switch size {
	case 1:
		return int64(int8(buf[0])), nil
	case 2:
		return int64(int16(imageEndian.Uint16(buf))), nil
	case 4:
		return int64(int32(imageEndian.Uint32(buf))), nil
	case 8:
		return int64(imageEndian.Uint64(buf)), nil
	default:
		return 0, fmt.Errorf("%w: unsupported integer width %d", errTruncatedImage, size)
	}
}

func (c *ImageCodec) Decode(r io.Reader) (*Program, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != imageMagic {
		return nil, errBadImageMagic
	}
	flagCount, err := readByte(r)
	if err != nil {
		return nil, err
	}
	slots := make([]byte, 4)
	if _, err := io.ReadFull(r, slots); err != nil {
		return nil, errTruncatedImage
	}

	filename, err := readLenPrefixedString(r)
	if err != nil {
		return nil, err
	}

	prog := NewProgram(filename)
	for i := 0; i < int(flagCount); i++ {
		prog.Flags[CapabilityFlag(slots[i])] = true
	}

	instrCount, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	prog.Instructions = make([]Instruction, 0, instrCount)
	for i := uint64(0); i < instrCount; i++ {
		ins, err := c.decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		prog.Instructions = append(prog.Instructions, ins)
	}

	labelCount, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < labelCount; i++ {
		name, err := readLenPrefixedString(r)
		if err != nil {
			return nil, err
		}
		addr, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		prog.Labels = append(prog.Labels, Label{Name: name, Address: int(addr)})
	}
	prog.RebuildLabelIndex()
	return prog, nil
}

func (c *ImageCodec) decodeInstruction(r io.Reader) (Instruction, error) {
	opByte, err := readByte(r)
	if err != nil {
		return Instruction{}, err
	}
	if int(opByte) >= int(opcodeCount) {
		return Instruction{}, fmt.Errorf("%w: unknown opcode id %d", errTruncatedImage, opByte)
	}
	line, err := readUint32(r)
	if err != nil {
		return Instruction{}, err
	}
	operandCount, err := readByte(r)
	if err != nil {
		return Instruction{}, err
	}
	operands := make([]string, operandCount)
	for i := range operands {
		operand, err := c.decodeOperand(r)
		if err != nil {
			return Instruction{}, err
		}
		operands[i] = operand
	}
	return Instruction{Opcode: Opcode(opByte), Operands: operands, Line: line}, nil
}

func (c *ImageCodec) decodeOperand(r io.Reader) (string, error) {
	tag, err := readByte(r)
	if err != nil {
		return "", err
	}
	switch tag {
	case 'R':
		id, err := readByte(r)
		if err != nil {
			return "", err
		}
		reg, err := registerByID(id)
		if err != nil {
			return "", err
		}
		return reg.String(), nil
	case 'N':
		v, err := decodeOptimalInt(r)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", v), nil
	case 'S':
		n, err := readUint64(r)
		if err != nil {
			return "", err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", errTruncatedImage
		}
		return string(buf), nil
	default:
		return "", fmt.Errorf("%w: unknown operand tag %q", errTruncatedImage, tag)
	}
}

func parseSignedInt(s string) (int64, error) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	var v int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: not an integer literal: %q", errBadOperandKind, s)
		}
		v = v*10 + int64(c-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errTruncatedImage
	}
	return b[0], nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	imageEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errTruncatedImage
	}
	return imageEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	imageEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errTruncatedImage
	}
	return imageEndian.Uint64(b[:]), nil
}

func writeLenPrefixedString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readLenPrefixedString(r io.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errTruncatedImage
	}
	return string(buf), nil
}
