package vm

import (
	"fmt"
	"math"
	"strconv"
)

// memBlock is a heap allocation made by the alloc opcode. The VM has no
// real flat address space, so pointers are (block, offset) pairs rather
// than raw integers; this is the Go-idiomatic stand-in for the original's
// raw-byte heap, grounded on the same alloc/free/read/write/cmp/cpy
// opcode surface.
type memBlock struct {
	label string
	data  []byte
	freed bool
}

// Pointer names a location inside a memBlock. The zero value is null.
type Pointer struct {
	block  *memBlock
	offset int64
}

func (p Pointer) IsNull() bool { return p.block == nil }

func (p Pointer) Add(delta int64) Pointer {
	return Pointer{block: p.block, offset: p.offset + delta}
}

// Heap owns every block allocated during a run; it is per-VM, never shared.
type Heap struct {
	blocks []*memBlock
	nextID int
}

func NewHeap() *Heap {
	return &Heap{}
}

func (h *Heap) Alloc(size int64) (Pointer, error) {
	if size < 0 {
		return Pointer{}, fmt.Errorf("%w: negative alloc size %d", errBadOperandKind, size)
	}
	b := &memBlock{
		label: fmt.Sprintf("blk%d", h.nextID),
		data:  make([]byte, size),
	}
	h.nextID++
	h.blocks = append(h.blocks, b)
	return Pointer{block: b, offset: 0}, nil
}

func (h *Heap) Free(p Pointer) error {
	if p.IsNull() {
		return nil
	}
	if p.block.freed {
		return errUseAfterFree
	}
	p.block.freed = true
	p.block.data = nil
	return nil
}

func (p Pointer) checkLive() error {
	if p.IsNull() {
		return fmt.Errorf("%w: null pointer dereference", errOutOfBounds)
	}
	if p.block.freed {
		return errUseAfterFree
	}
	return nil
}

// ReadByte implements the @r opcode.
func (p Pointer) ReadByte() (byte, error) {
	if err := p.checkLive(); err != nil {
		return 0, err
	}
	if p.offset < 0 || p.offset >= int64(len(p.block.data)) {
		return 0, errOutOfBounds
	}
	return p.block.data[p.offset], nil
}

// WriteByte implements the @w opcode.
func (p Pointer) WriteByte(v byte) error {
	if err := p.checkLive(); err != nil {
		return err
	}
	if p.offset < 0 || p.offset >= int64(len(p.block.data)) {
		return errOutOfBounds
	}
	p.block.data[p.offset] = v
	return nil
}

// Sizeof reports the allocation size backing p. The sizeof opcode does not
// use it; that opcode reports the size of a type keyword.
func (p Pointer) Sizeof() (int64, error) {
	if err := p.checkLive(); err != nil {
		return 0, err
	}
	return int64(len(p.block.data)), nil
}

// MemCmp implements @cmp: compares n bytes starting at each pointer.
func MemCmp(a, b Pointer, n int64) (int, error) {
	if err := a.checkLive(); err != nil {
		return 0, err
	}
	if err := b.checkLive(); err != nil {
		return 0, err
	}
	if a.offset < 0 || b.offset < 0 || a.offset+n > int64(len(a.block.data)) || b.offset+n > int64(len(b.block.data)) {
		return 0, errOutOfBounds
	}
	for i := int64(0); i < n; i++ {
		av, bv := a.block.data[a.offset+i], b.block.data[b.offset+i]
		if av != bv {
			if av < bv {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

// MemCpy implements @cpy: copies n bytes from src to dst.
func MemCpy(dst, src Pointer, n int64) error {
	if err := dst.checkLive(); err != nil {
		return err
	}
	if err := src.checkLive(); err != nil {
		return err
	}
	if dst.offset < 0 || src.offset < 0 ||
		dst.offset+n > int64(len(dst.block.data)) || src.offset+n > int64(len(src.block.data)) {
		return errOutOfBounds
	}
	copy(dst.block.data[dst.offset:dst.offset+n], src.block.data[src.offset:src.offset+n])
	return nil
}

func wordToPointer(w Word) (Pointer, error) {
	if w.Type != WPointer {
		return Pointer{}, fmt.Errorf("%w: expected a pointer, got %s", errBadOperandKind, w.Type)
	}
	return w.P, nil
}

func wordToInt(w Word) (int64, error) {
	if w.Type != WInt {
		return 0, fmt.Errorf("%w: expected an int, got %s", errBadOperandKind, w.Type)
	}
	return w.I, nil
}

// doAlloc implements `alloc <type|int> [count] [R]`: size is computed from
// a type keyword (optionally multiplied by count) or a raw byte count; the
// destination register receives the pointer if given, else it is pushed.
func (v *VM) doAlloc(operands []string) error {
	size := typeSize(operands[0])
	if size == 0 {
		n, err := strconv.ParseInt(operands[0], 0, 64)
		if err != nil {
			return fmt.Errorf("%w: alloc requires a type keyword or integer byte count", errBadOperandKind)
		}
		size = n
	}
	count := int64(1)
	var dstReg *Register
	rest := operands[1:]
	for _, operand := range rest {
		if reg, ok := LookupRegister(operand); ok {
			r := reg
			dstReg = &r
			continue
		}
		n, err := strconv.ParseInt(operand, 0, 64)
		if err != nil {
			return fmt.Errorf("%w: alloc count must be an integer literal", errBadOperandKind)
		}
		count = n
	}
	ptr, err := v.Heap.Alloc(size * count)
	if err != nil {
		return err
	}
	if dstReg != nil {
		v.Registers.Set(*dstReg, PointerWord(ptr))
		return nil
	}
	return v.push(PointerWord(ptr))
}

// doMemRead implements `@r src-ptr offset type [dst-reg]`. Missing leading
// operands are taken from the stack: offset from the top, src-ptr from
// beneath it; type must always be supplied inline since it cannot be
// inferred.
func (v *VM) doMemRead(operands []string) error {
	n := len(operands)
	typeIdx := n - 1
	if n == 4 {
		typeIdx = 2
	}
	if typeIdx < 0 || typeIdx >= n {
		return fmt.Errorf("%w: @r requires a type operand", errBadOperandCount)
	}
	typeKeyword := operands[typeIdx]

	var ptrWord, offsetWord Word
	var err error
	switch n {
	case 4:
		ptrWord, err = v.operandValue(operands[0])
		if err == nil {
			offsetWord, err = v.operandValue(operands[1])
		}
	case 3:
		ptrWord, err = v.operandValue(operands[0])
		if err == nil {
			offsetWord, err = v.operandValue(operands[1])
		}
	case 2:
		offsetWord, err = v.operandValue(operands[0])
		if err == nil {
			ptrWord = v.pop()
		}
	default: // 1: only the type operand
		offsetWord = v.pop()
		ptrWord = v.pop()
	}
	if err != nil {
		return err
	}
	ptr, err := wordToPointer(ptrWord)
	if err != nil {
		return err
	}
	offset, err := wordToInt(offsetWord)
	if err != nil {
		return err
	}

	result, err := readTyped(ptr.Add(offset), typeKeyword)
	if err != nil {
		return err
	}
	if n == 4 {
		reg, err := v.operandRegister(operands[3])
		if err != nil {
			return err
		}
		v.Registers.Set(reg, result)
		return nil
	}
	return v.push(result)
}

// doMemWrite implements `@w dst-ptr offset type [value]`, mirroring the
// operand-migration scheme of doMemRead.
func (v *VM) doMemWrite(operands []string) error {
	n := len(operands)
	typeIdx := n - 1
	if n == 4 {
		typeIdx = 2
	}
	if typeIdx < 0 || typeIdx >= n {
		return fmt.Errorf("%w: @w requires a type operand", errBadOperandCount)
	}
	typeKeyword := operands[typeIdx]

	var ptrWord, offsetWord, valueWord Word
	var err error
	switch n {
	case 4:
		ptrWord, err = v.operandValue(operands[0])
		if err == nil {
			offsetWord, err = v.operandValue(operands[1])
		}
		if err == nil {
			valueWord, err = v.operandValue(operands[3])
		}
	case 3:
		ptrWord, err = v.operandValue(operands[0])
		if err == nil {
			offsetWord, err = v.operandValue(operands[1])
		}
		if err == nil {
			valueWord = v.pop()
		}
	case 2:
		offsetWord, err = v.operandValue(operands[0])
		if err == nil {
			valueWord = v.pop()
			ptrWord = v.pop()
		}
	default: // 1: only the type operand
		valueWord = v.pop()
		offsetWord = v.pop()
		ptrWord = v.pop()
	}
	if err != nil {
		return err
	}
	ptr, err := wordToPointer(ptrWord)
	if err != nil {
		return err
	}
	offset, err := wordToInt(offsetWord)
	if err != nil {
		return err
	}
	return writeTyped(ptr.Add(offset), typeKeyword, valueWord)
}

// doMemCmp implements `@cmp ptr1 ptr2 size [dst-reg]`.
func (v *VM) doMemCmp(operands []string) error {
	n := len(operands)
	var p1, p2, sizeWord Word
	var err error
	switch n {
	case 4, 3:
		p1, err = v.operandValue(operands[0])
		if err == nil {
			p2, err = v.operandValue(operands[1])
		}
		if err == nil {
			sizeWord, err = v.operandValue(operands[2])
		}
	default:
		sizeWord = v.pop()
		p2 = v.pop()
		p1 = v.pop()
	}
	if err != nil {
		return err
	}
	ptr1, err := wordToPointer(p1)
	if err != nil {
		return err
	}
	ptr2, err := wordToPointer(p2)
	if err != nil {
		return err
	}
	size, err := wordToInt(sizeWord)
	if err != nil {
		return err
	}
	result, err := MemCmp(ptr1, ptr2, size)
	if err != nil {
		return err
	}
	if n == 4 {
		reg, err := v.operandRegister(operands[3])
		if err != nil {
			return err
		}
		v.Registers.Set(reg, IntWord(int64(result)))
		return nil
	}
	return v.push(IntWord(int64(result)))
}

// doMemCpy implements @cpy: pop three (n, src, dst) and copy n bytes.
func (v *VM) doMemCpy() error {
	n := v.pop()
	src := v.pop()
	dst := v.pop()
	size, err := wordToInt(n)
	if err != nil {
		return err
	}
	srcPtr, err := wordToPointer(src)
	if err != nil {
		return err
	}
	dstPtr, err := wordToPointer(dst)
	if err != nil {
		return err
	}
	return MemCpy(dstPtr, srcPtr, size)
}

// doFree implements `free [R|ptr]` / `free` from top of stack.
func (v *VM) doFree(operands []string) error {
	var w Word
	if len(operands) == 1 {
		var err error
		w, err = v.operandValue(operands[0])
		if err != nil {
			return err
		}
	} else {
		w = v.pop()
	}
	ptr, err := wordToPointer(w)
	if err != nil {
		return err
	}
	return v.Heap.Free(ptr)
}

func readTyped(p Pointer, typeKeyword string) (Word, error) {
	switch typeKeyword {
	case "char":
		b, err := p.ReadByte()
		if err != nil {
			return Word{}, err
		}
		return CharWord(b), nil
	case "int":
		buf := make([]byte, 4)
		for i := range buf {
			b, err := p.Add(int64(i)).ReadByte()
			if err != nil {
				return Word{}, err
			}
			buf[i] = b
		}
		var v int32
		for i := 3; i >= 0; i-- {
			v = v<<8 | int32(buf[i])
		}
		return IntWord(int64(v)), nil
	case "float":
		buf := make([]byte, 4)
		for i := range buf {
			b, err := p.Add(int64(i)).ReadByte()
			if err != nil {
				return Word{}, err
			}
			buf[i] = b
		}
		bits := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		return FloatWord(math.Float32frombits(bits)), nil
	case "bool":
		b, err := p.ReadByte()
		if err != nil {
			return Word{}, err
		}
		return BoolWord(b != 0), nil
	default:
		return Word{}, fmt.Errorf("%w: unsupported @r type %q", errBadOperandKind, typeKeyword)
	}
}

func writeTyped(p Pointer, typeKeyword string, value Word) error {
	switch typeKeyword {
	case "char":
		c := value.C
		if value.Type == WInt {
			c = byte(value.I)
		}
		return p.WriteByte(c)
	case "int":
		n, err := wordToInt(value)
		if err != nil {
			return err
		}
		v32 := int32(n)
		for i := 0; i < 4; i++ {
			if err := p.Add(int64(i)).WriteByte(byte(v32 >> (8 * i))); err != nil {
				return err
			}
		}
		return nil
	case "float":
		if value.Type != WFloat {
			return fmt.Errorf("%w: @w float requires a float value", errBadOperandKind)
		}
		bits := math.Float32bits(value.F)
		for i := 0; i < 4; i++ {
			if err := p.Add(int64(i)).WriteByte(byte(bits >> (8 * i))); err != nil {
				return err
			}
		}
		return nil
	case "bool":
		if value.Type != WBool {
			return fmt.Errorf("%w: @w bool requires a bool value", errBadOperandKind)
		}
		b := byte(0)
		if value.B {
			b = 1
		}
		return p.WriteByte(b)
	default:
		return fmt.Errorf("%w: unsupported @w type %q", errBadOperandKind, typeKeyword)
	}
}
