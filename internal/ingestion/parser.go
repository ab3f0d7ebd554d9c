package ingestion

import (
	"CrossMargin/internal/instruction"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// SubjectInstructions carries signed instructions; the last token of
	// the subject is the instruction kind.
	SubjectInstructions = "cm.instructions"
	// SubjectPrices carries oracle quotes; the last token is the token index.
	SubjectPrices = "cm.prices"
	// SubjectEvents is the outbound prefix for committed envelopes.
	SubjectEvents = "cm.events"
)

// Parser turns NATS messages into instructions. Oracle quotes arrive
// unsigned from the price feed and are attributed to the oracle identity.
type Parser struct {
	oracle uuid.UUID
}

func NewParser(oracle uuid.UUID) *Parser {
	return &Parser{oracle: oracle}
}

// Parse dispatches on the subject prefix.
func (p *Parser) Parse(raw RawEvent) (instruction.Instruction, error) {
	switch {
	case strings.HasPrefix(raw.Subject, SubjectInstructions+"."):
		return parseInstruction(strings.TrimPrefix(raw.Subject, SubjectInstructions+"."), raw.Data)
	case strings.HasPrefix(raw.Subject, SubjectPrices+"."):
		return p.parsePriceQuote(strings.TrimPrefix(raw.Subject, SubjectPrices+"."), raw.Data)
	default:
		return nil, fmt.Errorf("unroutable subject %q", raw.Subject)
	}
}

// parseInstruction decodes a JSON instruction. A payload without a kind
// takes it from the subject; a payload whose kind disagrees with the
// subject is rejected.
func parseInstruction(subjectKind string, data []byte) (instruction.Instruction, error) {
	kind := instruction.Kind(subjectKind)
	if !instruction.Known(kind) {
		return nil, fmt.Errorf("unknown instruction kind %q", subjectKind)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse %s: %w", kind, err)
	}
	if rawKind, ok := probe["kind"]; ok {
		var payloadKind instruction.Kind
		if err := json.Unmarshal(rawKind, &payloadKind); err != nil {
			return nil, fmt.Errorf("parse kind: %w", err)
		}
		if payloadKind != kind {
			return nil, fmt.Errorf("payload kind %q on subject for %q", payloadKind, kind)
		}
	} else {
		probe["kind"], _ = json.Marshal(kind)
		var err error
		if data, err = json.Marshal(probe); err != nil {
			return nil, err
		}
	}

	ins, err := instruction.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := instruction.Validate(ins); err != nil {
		return nil, err
	}
	return ins, nil
}

// priceQuoteJSON is the feed wire format. Sequence is per token and
// strictly increasing.
type priceQuoteJSON struct {
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"conf"`
	PublishTime int64           `json:"publish_time"`
	Sequence    int64           `json:"sequence"`
}

func (p *Parser) parsePriceQuote(tokenStr string, data []byte) (*instruction.UpdatePrice, error) {
	token, err := strconv.Atoi(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("parse token index %q: %w", tokenStr, err)
	}
	var j priceQuoteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse price quote: %w", err)
	}
	if j.PublishTime <= 0 {
		return nil, fmt.Errorf("price quote for token %d: publish_time must be > 0", token)
	}

	up := &instruction.UpdatePrice{
		Header: instruction.Header{
			IdempotencyKey: fmt.Sprintf("px-%d-%d", token, j.Sequence),
			Source:         "prices",
			SourceSequence: j.Sequence,
			Signer:         p.oracle,
			Timestamp:      j.PublishTime,
		},
		PriceQuote: instruction.PriceQuote{
			Token:       token,
			Price:       j.Price,
			Confidence:  j.Confidence,
			PublishTime: j.PublishTime,
		},
	}
	if err := instruction.Validate(up); err != nil {
		return nil, err
	}
	return up, nil
}
