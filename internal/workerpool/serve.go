package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Task is the unit of work handed to a Handler.
type Task struct {
	ID      string
	Type    TaskType
	Payload json.RawMessage
}

// Handler performs one task and returns its JSON result. progress may be
// called with values in [0, 100].
type Handler func(ctx context.Context, task Task, progress func(percent float64)) (json.RawMessage, error)

// Serve runs the worker side of the protocol: it announces readiness, then
// executes tasks from in one at a time until in reaches EOF or ctx is done.
// Tasks of a different type are answered with an error message.
func Serve(ctx context.Context, in io.Reader, out io.Writer, taskType TaskType, handler Handler) error {
	if handler == nil {
		return errors.New("worker handler required")
	}
	enc := NewEncoder(out)
	if err := enc.Encode(Message{Kind: KindInit, Type: taskType}); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	dec := NewDecoder(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Kind != KindTask {
			return fmt.Errorf("%w: worker received %q", ErrMalformedMessage, msg.Kind)
		}
		if msg.Type != taskType {
			if err := enc.Encode(Message{
				Kind:   KindError,
				TaskID: msg.TaskID,
				Error:  fmt.Sprintf("worker serves %s, not %s", taskType, msg.Type),
			}); err != nil {
				return err
			}
			continue
		}

		task := Task{ID: msg.TaskID, Type: msg.Type, Payload: msg.Payload}
		progress := func(percent float64) {
			if percent < 0 {
				percent = 0
			}
			if percent > 100 {
				percent = 100
			}
			_ = enc.Encode(Message{Kind: KindProgress, TaskID: task.ID, Percent: percent})
		}
		result, runErr := handler(ctx, task, progress)
		reply := Message{Kind: KindSuccess, TaskID: task.ID, Result: result}
		if runErr != nil {
			text := strings.TrimSpace(runErr.Error())
			if text == "" {
				text = "task failed"
			}
			reply = Message{Kind: KindError, TaskID: task.ID, Error: text}
		}
		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("send result: %w", err)
		}
	}
}
