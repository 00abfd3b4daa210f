package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/multifrost/offload"
)

type addArgs struct {
	A float64 `json:"a" msgpack:"a"`
	B float64 `json:"b" msgpack:"b"`
}

type addResult struct {
	Sum float64 `json:"sum" msgpack:"sum"`
}

type analyzeArgs struct {
	Text string `json:"text" msgpack:"text"`
}

type analyzeResult struct {
	Words int `json:"words" msgpack:"words"`
	Chars int `json:"chars" msgpack:"chars"`
	Lines int `json:"lines" msgpack:"lines"`
}

type progressUpdate struct {
	Done  int    `json:"done" msgpack:"done"`
	Total int    `json:"total" msgpack:"total"`
	Stage string `json:"stage" msgpack:"stage"`
}

// failure carries structured details back to the caller.
type failure struct {
	reason string
	input  any
}

func (f *failure) Error() string { return f.reason }

func (f *failure) Details() any {
	return map[string]any{"input": f.input}
}

// registerDemo installs the functions served by `offload worker`.
func registerDemo(e *offload.Engine) {
	offload.Handle(e, "add", func(ctx context.Context, in addArgs) (addResult, error) {
		return addResult{Sum: in.A + in.B}, nil
	})

	e.Register("echo", func(ctx context.Context, payload any) (any, error) {
		return payload, nil
	})

	e.Register("fail", func(ctx context.Context, payload any) (any, error) {
		return nil, &failure{reason: "failed on request", input: payload}
	})

	progress := offload.Stub[progressUpdate, any](e, "progress")
	offload.Handle(e, "analyze", func(ctx context.Context, in analyzeArgs) (analyzeResult, error) {
		stages := []string{"lines", "words", "chars"}
		var res analyzeResult
		for i, stage := range stages {
			switch stage {
			case "lines":
				if in.Text != "" {
					res.Lines = strings.Count(in.Text, "\n") + 1
				}
			case "words":
				res.Words = len(strings.Fields(in.Text))
			case "chars":
				res.Chars = len([]rune(in.Text))
			}
			if _, err := progress(ctx, progressUpdate{Done: i + 1, Total: len(stages), Stage: stage}); err != nil {
				return res, fmt.Errorf("reporting progress: %w", err)
			}
		}
		return res, nil
	})
}
