package ingestion

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/instruction"
	"context"
	"time"
)

// ErrQueueFull is returned when the core loop cannot take a submission
// before the caller's deadline.
var ErrQueueFull = apperrors.New(apperrors.CodeQueueFull, "core queue full")

// Submission is one instruction waiting for the core loop. Done is called
// exactly once with the core's result.
type Submission struct {
	Instruction instruction.Instruction
	Origin      string
	Received    time.Time
	Done        func(error)
}

// SubmitService accepts instructions from the gRPC and HTTP surfaces and
// waits for the core's verdict. NATS traffic goes through RawEvent instead
// and is acknowledged asynchronously.
type SubmitService struct {
	subChan chan<- Submission
}

func NewSubmitService(subChan chan<- Submission) *SubmitService {
	return &SubmitService{subChan: subChan}
}

// Submit queues ins and blocks until the core applied or rejected it. A
// duplicate returns nil.
func (s *SubmitService) Submit(ctx context.Context, origin string, ins instruction.Instruction) error {
	if err := instruction.Validate(ins); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidParam, err, "instruction header")
	}

	result := make(chan error, 1)
	sub := Submission{
		Instruction: ins,
		Origin:      origin,
		Received:    time.Now(),
		Done:        func(err error) { result <- err },
	}

	select {
	case s.subChan <- sub:
	case <-ctx.Done():
		return ErrQueueFull
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitJSON decodes and submits a JSON instruction.
func (s *SubmitService) SubmitJSON(ctx context.Context, origin string, data []byte) (instruction.Instruction, error) {
	ins, err := instruction.Decode(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "decode instruction")
	}
	return ins, s.Submit(ctx, origin, ins)
}
