package workerpool

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// TaskType selects which handler a worker slot runs.
type TaskType string

const (
	TaskConvertDocument TaskType = "convert-document"
	TaskConvertReport   TaskType = "convert-report"
	TaskParseReport     TaskType = "parse-report"
)

// TaskTypes lists every known task type.
func TaskTypes() []TaskType {
	return []TaskType{TaskConvertDocument, TaskConvertReport, TaskParseReport}
}

// ParseTaskType validates a task type name.
func ParseTaskType(value string) (TaskType, error) {
	candidate := TaskType(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range TaskTypes() {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", value)
}

// MessageKind tags a protocol message.
type MessageKind string

const (
	// KindInit is sent once by a worker when it is ready for tasks.
	KindInit MessageKind = "init"
	// KindTask is sent by the pool to start a task.
	KindTask MessageKind = "task"
	// KindProgress reports partial progress for the running task.
	KindProgress MessageKind = "progress"
	// KindSuccess carries the task result.
	KindSuccess MessageKind = "success"
	// KindError carries a task failure message.
	KindError MessageKind = "error"
)

// Message is one line on the worker pipe.
type Message struct {
	Kind    MessageKind     `json:"kind"`
	TaskID  string          `json:"taskId,omitempty"`
	Type    TaskType        `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Percent float64         `json:"percent,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrMalformedMessage indicates a line that is not a valid protocol message.
var ErrMalformedMessage = errors.New("malformed worker message")

// Validate checks the fields required by the message kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindInit:
		if m.Type == "" {
			return fmt.Errorf("%w: init without type", ErrMalformedMessage)
		}
	case KindTask:
		if m.TaskID == "" || m.Type == "" {
			return fmt.Errorf("%w: task without id or type", ErrMalformedMessage)
		}
	case KindProgress:
		if m.TaskID == "" {
			return fmt.Errorf("%w: progress without task id", ErrMalformedMessage)
		}
		if m.Percent < 0 || m.Percent > 100 {
			return fmt.Errorf("%w: progress %.1f out of range", ErrMalformedMessage, m.Percent)
		}
	case KindSuccess:
		if m.TaskID == "" {
			return fmt.Errorf("%w: success without task id", ErrMalformedMessage)
		}
	case KindError:
		if m.TaskID == "" || strings.TrimSpace(m.Error) == "" {
			return fmt.Errorf("%w: error without task id or message", ErrMalformedMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, m.Kind)
	}
	return nil
}

const maxMessageSize = 8 * 1024 * 1024

// Encoder writes messages as newline-delimited JSON. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode validates and writes msg followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode worker message: %w", err)
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next valid message. Blank lines are skipped. It returns
// io.EOF when the stream ends cleanly.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := msg.Validate(); err != nil {
			return Message{}, err
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
