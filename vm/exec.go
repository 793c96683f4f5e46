package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// execute dispatches one instruction and returns the next instruction
// pointer. Control-flow opcodes compute their own target; everything else
// falls through to ip+1.
func (v *VM) execute(ins Instruction) (int, error) {
	switch ins.Opcode {
	case OpNop:
		return v.ip + 1, nil

	case OpPush:
		w, err := v.operandValue(ins.Operands[0])
		if err != nil {
			return 0, err
		}
		return v.ip + 1, v.push(w)

	case OpPop:
		reg, err := v.operandRegister(ins.Operands[0])
		if err != nil {
			return 0, err
		}
		v.Registers.Set(reg, v.pop())
		return v.ip + 1, nil

	case OpDup:
		v.stack = append(v.stack, v.peekAt(0).Clone())
		return v.ip + 1, nil

	case OpDrop:
		v.pop()
		return v.ip + 1, nil

	case OpSwap:
		if len(v.stack) >= 2 {
			n := len(v.stack)
			v.stack[n-1], v.stack[n-2] = v.stack[n-2], v.stack[n-1]
		}
		return v.ip + 1, nil

	case OpLoad:
		reg, err := v.operandRegister(ins.Operands[0])
		if err != nil {
			return 0, err
		}
		return v.ip + 1, v.push(v.Registers.Get(reg))

	case OpStore:
		reg, err := v.operandRegister(ins.Operands[0])
		if err != nil {
			return 0, err
		}
		v.Registers.Set(reg, v.pop())
		return v.ip + 1, nil

	case OpRotl:
		return v.ip + 1, v.rotate(ins.Operands[0], true)
	case OpRotr:
		return v.ip + 1, v.rotate(ins.Operands[0], false)

	case OpMov:
		return v.ip + 1, v.doMov(ins.Operands[0], ins.Operands[1])

	case OpAdd:
		return v.ip + 1, v.arithOp(OpAdd, ins.Operands)
	case OpSub:
		return v.ip + 1, v.arithOp(OpSub, ins.Operands)
	case OpMul:
		return v.ip + 1, v.arithBinary(OpMul)
	case OpDiv:
		return v.ip + 1, v.arithBinary(OpDiv)
	case OpMod:
		return v.ip + 1, v.arithBinary(OpMod)

	case OpAnd:
		return v.ip + 1, v.logicalBinary("and")
	case OpOr:
		return v.ip + 1, v.logicalBinary("or")
	case OpXor:
		return v.ip + 1, v.logicalBinary("xor")
	case OpNot:
		a := v.pop()
		r, err := LogicalNot(a)
		if err != nil {
			return 0, err
		}
		return v.ip + 1, v.push(r)

	case OpEq, OpNe, OpLt, OpGt, OpLe, OpGe:
		return v.ip + 1, v.compareOp(ins.Opcode)

	case OpJmp:
		addr, err := v.resolveLabelOperand(ins.Operands[0])
		if err != nil {
			return 0, err
		}
		return addr, nil

	case OpJmpif:
		cond := v.pop()
		if cond.Type == WInt && cond.I == 1 {
			addr, err := v.resolveLabelOperand(ins.Operands[0])
			if err != nil {
				return 0, err
			}
			return addr, nil
		}
		return v.ip + 1, nil

	case OpCall:
		addr, err := v.resolveLabelOperand(ins.Operands[0])
		if err != nil {
			return 0, err
		}
		v.Registers.Set(RA, IntWord(int64(v.ip+1)))
		return addr, nil

	case OpRet:
		ra := v.Registers.Get(RA)
		if ra.Type != WInt {
			return 0, fmt.Errorf("%w: ret requires RA to hold a return address", errBadOperandKind)
		}
		return int(ra.I), nil

	case OpHalt:
		code := 0
		if len(ins.Operands) == 1 {
			n, err := strconv.Atoi(ins.Operands[0])
			if err != nil {
				return 0, fmt.Errorf("%w: halt code must be an integer literal", errBadOperandKind)
			}
			code = n
		}
		v.haltWith(code)
		return v.ip, nil

	case OpAlloc:
		return v.ip + 1, v.doAlloc(ins.Operands)
	case OpMemRead:
		return v.ip + 1, v.doMemRead(ins.Operands)
	case OpMemWrite:
		return v.ip + 1, v.doMemWrite(ins.Operands)
	case OpMemCmp:
		return v.ip + 1, v.doMemCmp(ins.Operands)
	case OpMemCpy:
		return v.ip + 1, v.doMemCpy()
	case OpFree:
		return v.ip + 1, v.doFree(ins.Operands)

	case OpVar:
		if _, ok := v.Vars.GetVar(ins.Operands[0]); !ok {
			v.Vars.SetVar(ins.Operands[0], NullPointerWord())
		}
		return v.ip + 1, nil
	case OpSetvar:
		v.Vars.SetVar(ins.Operands[0], v.pop())
		return v.ip + 1, nil
	case OpGetvar:
		w, ok := v.Vars.GetVar(ins.Operands[0])
		if !ok {
			return 0, fmt.Errorf("%w: %s", errUnknownVariable, ins.Operands[0])
		}
		return v.ip + 1, v.push(w)
	case OpSetglobalvar:
		v.Vars.SetGlobalVar(ins.Operands[0], v.pop())
		return v.ip + 1, nil
	case OpGetglobalvar:
		w, ok := v.Vars.GetGlobalVar(ins.Operands[0])
		if !ok {
			return 0, fmt.Errorf("%w: %s", errUnknownVariable, ins.Operands[0])
		}
		return v.ip + 1, v.push(w)
	case OpTogglelocalscope:
		v.Vars.ToggleLocalScope()
		return v.ip + 1, nil

	case OpPrint:
		return v.ip + 1, v.doPrint(ins.Operands)
	case OpSprintf:
		return v.ip + 1, v.doSprintf()
	case OpOvm:
		return v.ip + 1, v.doOvm(ins.Operands)
	case OpHere:
		return v.ip + 1, v.push(StringWord([]byte(fmt.Sprintf("%s:%d", v.Program.Filename, ins.Line))))

	case OpXcall:
		return v.ip + 1, v.xcall()

	case OpCast:
		return v.ip + 1, v.doCast(ins.Operands[0])
	case OpEval:
		n, err := evalExpr(strings.Join(ins.Operands, " "))
		if err != nil {
			return 0, err
		}
		return v.ip + 1, v.push(IntWord(n))
	case OpCmp:
		a, err := v.operandValue(ins.Operands[0])
		if err != nil {
			return 0, err
		}
		b, err := v.operandValue(ins.Operands[1])
		if err != nil {
			return 0, err
		}
		v.Registers.Set(RDX, IntWord(int64(a.Compare(b))))
		return v.ip + 1, nil
	case OpInc:
		return v.ip + 1, v.incDec(ins.Operands[0], 1)
	case OpDec:
		return v.ip + 1, v.incDec(ins.Operands[0], -1)
	case OpSizeof:
		return v.ip + 1, v.push(IntWord(typeSize(ins.Operands[0])))
	case OpMerge:
		// Matches scenario 2: push "hello" push "world" merge print => "world hello\n" —
		// the most-recently-pushed (topmost) string comes first in the result,
		// consistent with add/sub's "first popped is the left operand" order.
		top := v.pop()
		next := v.pop()
		if top.Type != WString || next.Type != WString {
			return 0, fmt.Errorf("%w: merge requires two strings", errBadOperandKind)
		}
		return v.ip + 1, v.push(StringWord([]byte(string(top.S) + " " + string(next.S))))

	default:
		return 0, fmt.Errorf("unimplemented opcode %s", ins.Opcode)
	}
}

// operandValue classifies and materializes a raw operand string into a
// Word: literal, string literal, or register contents.
func (v *VM) operandValue(operand string) (Word, error) {
	switch ClassifyOperand(operand) {
	case OperandRegister:
		reg, _ := LookupRegister(operand)
		return v.Registers.Get(reg), nil
	case OperandString:
		return StringWord([]byte(unquote(operand))), nil
	case OperandInt:
		n, err := strconv.ParseInt(operand, 0, 64)
		if err != nil {
			return Word{}, fmt.Errorf("%w: %q", errBadOperandKind, operand)
		}
		return IntWord(n), nil
	case OperandFloat:
		f, err := strconv.ParseFloat(operand, 32)
		if err != nil {
			return Word{}, fmt.Errorf("%w: %q", errBadOperandKind, operand)
		}
		return FloatWord(float32(f)), nil
	default:
		return Word{}, fmt.Errorf("%w: cannot resolve operand %q to a value", errBadOperandKind, operand)
	}
}

func (v *VM) operandRegister(operand string) (Register, error) {
	reg, ok := LookupRegister(operand)
	if !ok {
		return 0, fmt.Errorf("%w: %q", errUnknownRegister, operand)
	}
	return reg, nil
}

// resolveLabelOperand looks up a jump/call target by its (already-mangled)
// name.
func (v *VM) resolveLabelOperand(operand string) (int, error) {
	addr, ok := v.Program.ResolveLabel(operand)
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownLabel, operand)
	}
	return addr, nil
}

func (v *VM) rotate(nOperand string, left bool) error {
	n, err := strconv.Atoi(nOperand)
	if err != nil {
		return fmt.Errorf("%w: rotl/rotr count must be an integer literal", errBadOperandKind)
	}
	if n < 1 || n > len(v.stack) {
		return fmt.Errorf("%w: rotate count %d out of range [1,%d]", errOutOfBounds, n, len(v.stack))
	}
	top := v.stack[len(v.stack)-n:]
	if left {
		first := top[0]
		copy(top, top[1:])
		top[len(top)-1] = first
	} else {
		last := top[len(top)-1]
		copy(top[1:], top[:len(top)-1])
		top[0] = last
	}
	return nil
}

func (v *VM) doMov(srcOperand, dstOperand string) error {
	dst, err := v.operandRegister(dstOperand)
	if err != nil {
		return err
	}
	src, err := v.operandValue(srcOperand)
	if err != nil {
		return err
	}
	v.Registers.Set(dst, src.Clone())
	return nil
}

// arithOp implements the 0/1/2-operand dispatch §4.4/§9 define for add/sub.
func (v *VM) arithOp(op Opcode, operands []string) error {
	kind := ArithAdd
	if op == OpSub {
		kind = ArithSub
	}

	switch len(operands) {
	case 0:
		// Pop two, push result. The first value popped (the most recently
		// pushed, previously-topmost value) is the left operand, matching
		// the observed source behavior for sub: push a; push b; sub => b - a.
		w1 := v.pop()
		w2 := v.pop()
		r, err := Arith(kind, w1, w2)
		if err != nil {
			return err
		}
		return v.push(r)
	case 1:
		imm, err := v.operandValue(operands[0])
		if err != nil {
			return err
		}
		top := v.pop()
		r, err := Arith(kind, top, imm)
		if err != nil {
			return err
		}
		return v.push(r)
	case 2:
		dst, err := v.operandRegister(operands[0])
		if err != nil {
			return err
		}
		src, err := v.operandValue(operands[1])
		if err != nil {
			return err
		}
		r, err := Arith(kind, v.Registers.Get(dst), src)
		if err != nil {
			return err
		}
		v.Registers.Set(dst, r)
		return nil
	default:
		return fmt.Errorf("%w: add/sub accepts 0, 1 or 2 operands", errBadOperandCount)
	}
}

// arithBinary implements mul/div/mod: always pop two, push one. w1 is the
// top of stack (the divisor for div/mod, per original_source/src/orta.h's
// IDIV, which guards on w1 and computes w2/w1); w2 is the value beneath it
// (the dividend). Division and modulo by zero are a silent no-op per
// §4.4/§8 — the popped operands are pushed back unchanged so the net stack
// effect is nil.
func (v *VM) arithBinary(op Opcode) error {
	var kind ArithOp
	switch op {
	case OpMul:
		kind = ArithMul
	case OpDiv:
		kind = ArithDiv
	case OpMod:
		kind = ArithMod
	}
	w1 := v.pop()
	w2 := v.pop()
	if (op == OpDiv || op == OpMod) && isZero(w1) {
		if err := v.push(w2); err != nil {
			return err
		}
		return v.push(w1)
	}
	r, err := Arith(kind, w2, w1)
	if err != nil {
		return err
	}
	return v.push(r)
}

func isZero(w Word) bool {
	switch w.Type {
	case WInt:
		return w.I == 0
	case WFloat:
		return w.F == 0
	default:
		return false
	}
}

func (v *VM) logicalBinary(kind string) error {
	b := v.pop()
	a := v.pop()
	r, err := LogicalBinary(kind, a, b)
	if err != nil {
		return err
	}
	return v.push(r)
}

func (v *VM) compareOp(op Opcode) error {
	b := v.pop()
	a := v.pop()
	c := a.Compare(b)
	var result bool
	switch op {
	case OpEq:
		result = a.Equal(b)
	case OpNe:
		result = !a.Equal(b)
	case OpLt:
		result = c < 0
	case OpGt:
		result = c > 0
	case OpLe:
		result = c <= 0
	case OpGe:
		result = c >= 0
	}
	return v.push(IntWord(BoolToInt(result)))
}

func (v *VM) doCast(typeOperand string) error {
	w := v.pop()
	switch typeOperand {
	case "int":
		w.Type = WInt
	case "float":
		w.Type = WFloat
	case "char":
		w.Type = WChar
	case "charp":
		w.Type = WString
	case "bool":
		w.Type = WBool
	case "pointer":
		w.Type = WPointer
	default:
		return fmt.Errorf("%w: unknown cast target %q", errBadOperandKind, typeOperand)
	}
	return v.push(w)
}

func typeSize(typeKeyword string) int64 {
	switch typeKeyword {
	case "int", "float":
		return 4
	case "char":
		return 1
	case "charp", "pointer":
		return 8
	default:
		return 0
	}
}

func (v *VM) incDec(operand string, delta int64) error {
	if reg, ok := LookupRegister(operand); ok {
		w := v.Registers.Get(reg)
		if w.Type != WInt {
			return fmt.Errorf("%w: inc/dec requires an int register", errBadOperandKind)
		}
		w.I += delta
		v.Registers.Set(reg, w)
		return nil
	}
	w, ok := v.Vars.GetVar(operand)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownVariable, operand)
	}
	if w.Type != WInt {
		return fmt.Errorf("%w: inc/dec requires an int variable", errBadOperandKind)
	}
	w.I += delta
	v.Vars.SetVar(operand, w)
	return nil
}

func (v *VM) doOvm(operands []string) error {
	if len(operands) != 1 {
		return fmt.Errorf("%w: ovm expects exactly 1 operand", errBadOperandCount)
	}
	switch operands[0] {
	case "stack":
		return v.push(IntWord(int64(v.depth())))
	default:
		return fmt.Errorf("%w: unknown ovm subcommand %q", errBadOperandKind, operands[0])
	}
}

func (v *VM) doPrint(operands []string) error {
	if len(operands) == 0 {
		w := v.pop()
		fmt.Fprintln(v.out, w.String())
		return nil
	}
	parts := make([]string, len(operands))
	for i, op := range operands {
		if ClassifyOperand(op) == OperandString {
			parts[i] = unquote(op)
			continue
		}
		w, err := v.operandValue(op)
		if err != nil {
			return err
		}
		parts[i] = w.String()
	}
	fmt.Fprintln(v.out, strings.Join(parts, " "))
	return nil
}
