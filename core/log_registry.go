package core

import (
	"strings"
	"sync"
)

// LogDecodeFunc attempts to decode a program's log lines from one
// transaction. ok is false when the decoder finds nothing of interest.
type LogDecodeFunc func(programID ProgramID, lines []string) (payload any, ok bool, err error)

type registeredLogDecoder struct {
	discriminator Discriminator
	decode        LogDecodeFunc
	encode        func(any) ([]byte, error)
}

// LogRegistry keys by program ID extracted from "Program <id> invoke"/
// "Program <id> success" bracketing log lines.
type LogRegistry struct {
	mu       sync.RWMutex
	byTarget map[ProgramID][]*registeredLogDecoder
}

// NewLogRegistry returns an empty registry.
func NewLogRegistry() *LogRegistry {
	return &LogRegistry{byTarget: make(map[ProgramID][]*registeredLogDecoder)}
}

// Register adds a log decoder for programID.
func (r *LogRegistry) Register(programID ProgramID, discriminator Discriminator, decode LogDecodeFunc, encode func(any) ([]byte, error)) {
	if encode == nil {
		encode = jsonEncode
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTarget[programID] = append(r.byTarget[programID], &registeredLogDecoder{
		discriminator: discriminator,
		decode:        decode,
		encode:        encode,
	})
}

// GroupByProgram partitions a transaction's raw log lines into per-program
// buckets, following the standard "Program <id> invoke [n]" ... "Program
// <id> success"/"failed" bracketing convention.
func GroupByProgram(lines []string) map[ProgramID][]string {
	groups := make(map[ProgramID][]string)
	var stack []ProgramID
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "Program ") && strings.Contains(line, "invoke ["):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			pid := ProgramID(fields[1])
			stack = append(stack, pid)
			groups[pid] = append(groups[pid], line)
		case strings.HasPrefix(line, "Program ") && (strings.HasSuffix(line, "success") || strings.HasSuffix(line, "failed")):
			if len(stack) > 0 {
				pid := stack[len(stack)-1]
				groups[pid] = append(groups[pid], line)
				stack = stack[:len(stack)-1]
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				pid := ProgramID(fields[1])
				groups[pid] = append(groups[pid], line)
			}
		default:
			if len(stack) > 0 {
				pid := stack[len(stack)-1]
				groups[pid] = append(groups[pid], line)
			}
		}
	}
	return groups
}

// Decode runs every decoder registered for programID against lines.
func (r *LogRegistry) Decode(programID ProgramID, lines []string) ([]decodedEvent, error) {
	r.mu.RLock()
	decoders := r.byTarget[programID]
	r.mu.RUnlock()
	if len(decoders) == 0 {
		return nil, nil
	}

	var events []decodedEvent
	for _, d := range decoders {
		payload, ok, err := d.decode(programID, lines)
		if err != nil {
			return events, err
		}
		if !ok {
			continue
		}
		b, err := d.encode(payload)
		if err != nil {
			return events, err
		}
		events = append(events, decodedEvent{discriminator: d.discriminator, bytes: b})
	}
	return events, nil
}
