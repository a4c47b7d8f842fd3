package workerpool_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"docqc/internal/workerpool"
)

func TestDecoderValidatesEachKind(t *testing.T) {
	cases := []struct {
		name string
		line string
		ok   bool
	}{
		{"init", `{"kind":"init","type":"parse-report"}`, true},
		{"init without type", `{"kind":"init"}`, false},
		{"progress", `{"kind":"progress","taskId":"t1","percent":40}`, true},
		{"progress range", `{"kind":"progress","taskId":"t1","percent":140}`, false},
		{"success", `{"kind":"success","taskId":"t1","result":{"path":"/x"}}`, true},
		{"error without message", `{"kind":"error","taskId":"t1"}`, false},
		{"unknown", `{"kind":"heartbeat"}`, false},
		{"garbage", `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := workerpool.NewDecoder(strings.NewReader(tc.line + "\n"))
			_, err := dec.Decode()
			if tc.ok && err != nil {
				t.Fatalf("expected valid message, got %v", err)
			}
			if !tc.ok && !errors.Is(err, workerpool.ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestServeAnswersTasksInOrder(t *testing.T) {
	var in bytes.Buffer
	enc := workerpool.NewEncoder(&in)
	for _, msg := range []workerpool.Message{
		{Kind: workerpool.KindTask, TaskID: "a", Type: workerpool.TaskParseReport, Payload: json.RawMessage(`"ok"`)},
		{Kind: workerpool.KindTask, TaskID: "b", Type: workerpool.TaskParseReport, Payload: json.RawMessage(`"fail"`)},
		{Kind: workerpool.KindTask, TaskID: "c", Type: workerpool.TaskConvertReport},
	} {
		if err := enc.Encode(msg); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	handler := func(_ context.Context, task workerpool.Task, progress func(float64)) (json.RawMessage, error) {
		progress(50)
		var value string
		_ = json.Unmarshal(task.Payload, &value)
		if value == "fail" {
			return nil, errors.New("bad report")
		}
		return json.RawMessage(`{"done":true}`), nil
	}

	var out bytes.Buffer
	if err := workerpool.Serve(context.Background(), &in, &out, workerpool.TaskParseReport, handler); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	dec := workerpool.NewDecoder(&out)
	var kinds []string
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode output: %v", err)
		}
		kinds = append(kinds, string(msg.Kind)+":"+msg.TaskID)
	}
	want := "init:,progress:a,success:a,progress:b,error:b,error:c"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("unexpected transcript:\n got %s\nwant %s", got, want)
	}
}

func TestParseTaskType(t *testing.T) {
	if typ, err := workerpool.ParseTaskType(" Convert-Document "); err != nil || typ != workerpool.TaskConvertDocument {
		t.Fatalf("unexpected parse: %q %v", typ, err)
	}
	if _, err := workerpool.ParseTaskType("ocr"); err == nil {
		t.Fatal("expected unknown type to fail")
	}
}
