package session

import (
	"fmt"
	"strconv"
	"strings"
)

// Candidate is a parsed ICE candidate as received on /ice-candidate.
//
// Raw keeps the original candidate line so the engine can admit it verbatim;
// the parsed fields are used for validation and logging.
type Candidate struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	Address    string
	Port       int
	Type       string

	SDPMid        *string
	SDPMLineIndex *uint16

	Raw string
}

// ParseCandidate parses an SDP candidate attribute value of the form
//
//	candidate:<foundation> <component> <protocol> <priority> <address> <port> typ <type> ...
//
// The "candidate:" prefix is optional. Only the first eight fields are
// interpreted; extensions (raddr, rport, generation, ufrag, ...) are kept in
// Raw untouched.
func ParseCandidate(line string, sdpMid *string, sdpMLineIndex *uint16) (Candidate, error) {
	raw := strings.TrimSpace(line)
	fields := strings.Fields(raw)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("%w: expected at least 8 fields, got %d", ErrInvalidCandidate, len(fields))
	}

	foundation := fields[0]
	if _, after, ok := strings.Cut(foundation, ":"); ok {
		foundation = after
	}
	if foundation == "" {
		return Candidate{}, fmt.Errorf("%w: empty foundation", ErrInvalidCandidate)
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: component %q: %v", ErrInvalidCandidate, fields[1], err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: priority %q: %v", ErrInvalidCandidate, fields[3], err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil || port < 0 || port > 65535 {
		return Candidate{}, fmt.Errorf("%w: port %q", ErrInvalidCandidate, fields[5])
	}
	if fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("%w: expected \"typ\" at field 7, got %q", ErrInvalidCandidate, fields[6])
	}

	return Candidate{
		Foundation:    foundation,
		Component:     component,
		Protocol:      strings.ToLower(fields[2]),
		Priority:      uint32(priority),
		Address:       fields[4],
		Port:          port,
		Type:          fields[7],
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		Raw:           raw,
	}, nil
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s %s:%d typ %s", c.Foundation, c.Protocol, c.Address, c.Port, c.Type)
}
