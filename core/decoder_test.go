package core

import "testing"

func TestDecodeSkipsFailedTransactionByDefault(t *testing.T) {
	instructions := NewInstructionRegistry()
	d := EventDiscriminator("test")
	instructions.Register("prog", d, func(ix InstructionRecord) (any, bool, error) {
		return map[string]int{"v": 1}, true, nil
	}, nil)

	dec := NewDecoder(instructions, nil, nil, ModeInputs, false)
	tx := &TransactionRecord{
		Signature:    "sig1",
		Failed:       true,
		Instructions: []InstructionRecord{{ProgramID: "prog"}},
	}
	events, err := dec.Decode(tx, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events for failed tx with IndexFailedTx=false, got %d", len(events))
	}
}

func TestDecodeIncludesFailedTransactionWhenConfigured(t *testing.T) {
	instructions := NewInstructionRegistry()
	d := EventDiscriminator("test")
	instructions.Register("prog", d, func(ix InstructionRecord) (any, bool, error) {
		return map[string]int{"v": 1}, true, nil
	}, nil)

	dec := NewDecoder(instructions, nil, nil, ModeInputs, true)
	tx := &TransactionRecord{
		Signature:    "sig1",
		Failed:       true,
		Instructions: []InstructionRecord{{ProgramID: "prog"}},
	}
	events, err := dec.Decode(tx, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestDecodeUnknownProgramIsIgnored(t *testing.T) {
	dec := NewDecoder(NewInstructionRegistry(), nil, nil, ModeInputs, false)
	tx := &TransactionRecord{
		Signature:    "sig1",
		Instructions: []InstructionRecord{{ProgramID: "unknown"}},
	}
	events, err := dec.Decode(tx, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events for unknown program, got %d", len(events))
	}
}

func TestDecodeAutoEnablesAccountsMode(t *testing.T) {
	accounts := NewAccountRegistry()
	accounts.Register(EventDiscriminator("acct"), func(acc AccountSnapshot) (any, bool, error) {
		return acc, true, nil
	}, nil)
	dec := NewDecoder(NewInstructionRegistry(), accounts, nil, ModeInputs, false)
	if !dec.mode.Has(ModeAccounts) {
		t.Fatal("expected ModeAccounts to be auto-enabled when an account decoder is registered")
	}
}

func TestGroupByProgramNestedInvocations(t *testing.T) {
	lines := []string{
		"Program A invoke [1]",
		"Program A log: doing work",
		"Program B invoke [2]",
		"Program B log: nested work",
		"Program B success",
		"Program A success",
	}
	groups := GroupByProgram(lines)
	if len(groups["A"]) != 3 {
		t.Fatalf("expected 3 lines for program A, got %d: %v", len(groups["A"]), groups["A"])
	}
	if len(groups["B"]) != 3 {
		t.Fatalf("expected 3 lines for program B, got %d: %v", len(groups["B"]), groups["B"])
	}
}

func TestDecodeLogsMode(t *testing.T) {
	logs := NewLogRegistry()
	d := EventDiscriminator("logEvent")
	logs.Register("A", d, func(programID ProgramID, lines []string) (any, bool, error) {
		return map[string]string{"program": string(programID)}, true, nil
	}, nil)

	dec := NewDecoder(NewInstructionRegistry(), nil, logs, ModeLogs, false)
	tx := &TransactionRecord{
		Signature: "sig1",
		LogMessages: []string{
			"Program A invoke [1]",
			"Program A success",
		},
	}
	events, err := dec.Decode(tx, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Discriminator != d {
		t.Fatalf("expected discriminator %x, got %x", d, events[0].Discriminator)
	}
}
