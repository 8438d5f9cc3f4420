package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Method names carried in request frames. The set is fixed; an unknown
// method yields an in-band NotSupported error, never a close.
const (
	MethodCreateJudge  = "CreateJudge"
	MethodControl      = "Control"
	MethodReportStatus = "ReportStatus"
	MethodUpdateJudges = "UpdateJudges"
	MethodFinishJudges = "FinishJudges"
)

const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
)

// Frame is the envelope of every WebSocket text message, in either
// direction:
//
//	{"type":"req","seq":1,"time":"...","body":{"method":...,"args":...}}
//	{"type":"res","seq":1,"time":"...","body":{"output":...}}
type Frame struct {
	Type string          `json:"type"`
	Seq  uint32          `json:"seq"`
	Time time.Time       `json:"time"`
	Body json.RawMessage `json:"body"`
}

// RequestBody is the body of a "req" frame.
type RequestBody struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ResponseBody is the body of a "res" frame: exactly one of Output or Error.
// Output distinguishes "absent" from an explicit JSON null only at the
// marshalling layer; callers treat both as null.
type ResponseBody struct {
	Output json.RawMessage
	Err    *ErrorInfo
}

type responseWire struct {
	Output *json.RawMessage `json:"output,omitempty"`
	Err    *ErrorInfo       `json:"error,omitempty"`
}

func (r ResponseBody) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(responseWire{Err: r.Err})
	}
	out := r.Output
	if out == nil {
		out = json.RawMessage("null")
	}
	return json.Marshal(responseWire{Output: &out})
}

func (r *ResponseBody) UnmarshalJSON(data []byte) error {
	var wire responseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Err != nil {
		r.Err = wire.Err
		return nil
	}
	if wire.Output != nil {
		r.Output = *wire.Output
	}
	return nil
}

// IsRequest reports whether the frame carries a request body.
func (f *Frame) IsRequest() bool { return f.Type == frameTypeRequest }

// IsResponse reports whether the frame carries a response body.
func (f *Frame) IsResponse() bool { return f.Type == frameTypeResponse }

// Request decodes the frame body as a request.
func (f *Frame) Request() (*RequestBody, error) {
	if !f.IsRequest() {
		return nil, fmt.Errorf("frame type %q is not a request", f.Type)
	}
	var body RequestBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return &body, nil
}

// Response decodes the frame body as a response.
func (f *Frame) Response() (*ResponseBody, error) {
	if !f.IsResponse() {
		return nil, fmt.Errorf("frame type %q is not a response", f.Type)
	}
	var body ResponseBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return &body, nil
}

// NewRequestFrame builds a "req" frame. args is marshalled in place; a nil
// args produces a request with no args field.
func NewRequestFrame(seq uint32, method string, args any) (*Frame, error) {
	body := RequestBody{Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s args: %w", method, err)
		}
		body.Args = raw
	}
	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameTypeRequest, Seq: seq, Time: time.Now().UTC(), Body: rawBody}, nil
}

// NewOutputFrame builds a "res" frame carrying an output value. A nil output
// serializes as {"output":null}.
func NewOutputFrame(seq uint32, output any) (*Frame, error) {
	var raw json.RawMessage
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("marshal response output: %w", err)
		}
		raw = b
	}
	body, err := json.Marshal(ResponseBody{Output: raw})
	if err != nil {
		return nil, err
	}
	return &Frame{Type: frameTypeResponse, Seq: seq, Time: time.Now().UTC(), Body: body}, nil
}

// NewErrorFrame builds a "res" frame carrying an in-band error.
func NewErrorFrame(seq uint32, info *ErrorInfo) *Frame {
	body, _ := json.Marshal(ResponseBody{Err: info})
	return &Frame{Type: frameTypeResponse, Seq: seq, Time: time.Now().UTC(), Body: body}
}

// CreateJudgeArgs is the controller→worker judge assignment.
type CreateJudgeArgs struct {
	ID           string        `json:"id"`
	Data         *File         `json:"data,omitempty"`
	DynamicFiles []DynamicFile `json:"dynamicFiles,omitempty"`
	Judge        Judge         `json:"judge"`
	Test         Test          `json:"test"`
}

// ReportStatusArgs is the worker's periodic heartbeat payload.
type ReportStatusArgs struct {
	CollectTime    time.Time    `json:"collectTime"`
	NextReportTime time.Time    `json:"nextReportTime"`
	Report         *JudgeStatus `json:"report"`
}

type UpdateJudgeArgs struct {
	ID    string     `json:"id"`
	State JudgeState `json:"state"`
}

type FinishJudgeArgs struct {
	ID     string       `json:"id"`
	Result *JudgeResult `json:"result"`
}
