// Package proc implements the stored-procedure interpreter spec.md treats
// as an external collaborator ("execute(txn) -> side-effects on txn key
// set"). SPEC_FULL.md section 8 supplements the abstract interface with a
// small concrete micro-language, grounded on the SET/GET/DEL style
// procedures exercised by
// _examples/original_source/test/benchmark/stored_procedures_test.cpp.
//
// A procedure is a sequence of whitespace-separated instructions, one per
// line:
//
//	SET key value   buffer[key].new_value = value
//	DEL key         mark key for deletion
//	GET key         no-op beyond requiring key be declared (read or write)
//	COPY src dst    dst.new_value = src's current buffered value
//	ADD key n       key.new_value = int(current value) + n, as decimal text
//
// Execution is pure over the transaction's already-buffered key state: it
// never touches storage directly, and it only ever writes to keys the
// transaction already declared as WRITE (spec.md invariant, seed scenario
// (g): "stored procedure executes only declared writes").
package proc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/slogdb/slog/core/model"
)

// Execute runs the stored procedure against txn's buffered key state,
// mutating KeyEntry.NewValue in place for declared write keys. It returns
// an error (ErrExecuteFailed, wrapped) if the code references an undeclared
// key or is malformed.
func Execute(txn *model.Transaction) error {
	if txn.Procedure.Kind != model.ProcCode {
		return nil
	}

	for lineNo, line := range strings.Split(txn.Procedure.Code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if err := execOne(txn, fields); err != nil {
			return fmt.Errorf("proc: line %d %q: %v: %w", lineNo+1, line, err, model.ErrExecuteFailed)
		}
	}
	return nil
}

func execOne(txn *model.Transaction, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	op := strings.ToUpper(fields[0])
	switch op {
	case "SET":
		if len(fields) != 3 {
			return fmt.Errorf("SET requires key and value")
		}
		return writeKey(txn, fields[1], []byte(fields[2]))

	case "DEL":
		if len(fields) != 2 {
			return fmt.Errorf("DEL requires a key")
		}
		return writeKey(txn, fields[1], nil)

	case "GET":
		if len(fields) != 2 {
			return fmt.Errorf("GET requires a key")
		}
		if _, ok := txn.Keys[fields[1]]; !ok {
			return fmt.Errorf("GET on undeclared key %q", fields[1])
		}
		return nil

	case "COPY":
		if len(fields) != 3 {
			return fmt.Errorf("COPY requires src and dst")
		}
		src, ok := txn.Keys[fields[1]]
		if !ok {
			return fmt.Errorf("COPY from undeclared key %q", fields[1])
		}
		val := src.NewValue
		if val == nil {
			val = src.Value
		}
		return writeKey(txn, fields[2], val)

	case "ADD":
		if len(fields) != 3 {
			return fmt.Errorf("ADD requires key and delta")
		}
		delta, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("ADD delta must be an integer: %w", err)
		}
		entry, ok := txn.Keys[fields[1]]
		if !ok {
			return fmt.Errorf("ADD on undeclared key %q", fields[1])
		}
		cur := entry.NewValue
		if cur == nil {
			cur = entry.Value
		}
		curVal, _ := strconv.Atoi(string(cur))
		return writeKey(txn, fields[1], []byte(strconv.Itoa(curVal+delta)))

	default:
		return fmt.Errorf("unknown instruction %q", op)
	}
}

// writeKey stores newValue into a declared WRITE key's buffer. nil means
// delete (represented as a nil NewValue with the key otherwise present;
// the Worker's Commit phase treats a nil NewValue on a WRITE key as a
// delete).
func writeKey(txn *model.Transaction, key string, newValue []byte) error {
	entry, ok := txn.Keys[key]
	if !ok || entry.Type != model.Write {
		return fmt.Errorf("write to undeclared or non-write key %q", key)
	}
	entry.NewValue = newValue
	txn.Keys[key] = entry
	return nil
}
