package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRequestRoundTrip(t *testing.T) {
	frame, err := NewRequestFrame(7, MethodCreateJudge, CreateJudgeArgs{
		ID: "task-1",
		Judge: Judge{
			Type: JudgeTypeNormal,
			User: Executable{
				Source:      File{Type: FileTypeDirect, Content: "int main(){}"},
				Environment: Environment{Language: "cpp17"},
			},
		},
		Test: Test{Policy: TestPolicyAll, Cases: []TestCase{{Input: "1.in", Output: "1.out"}}},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.True(t, decoded.IsRequest())
	assert.Equal(t, uint32(7), decoded.Seq)

	body, err := decoded.Request()
	require.NoError(t, err)
	assert.Equal(t, MethodCreateJudge, body.Method)

	var args CreateJudgeArgs
	require.NoError(t, json.Unmarshal(body.Args, &args))
	assert.Equal(t, "task-1", args.ID)
	assert.Equal(t, JudgeTypeNormal, args.Judge.Type)
}

func TestResponseBodyNullOutput(t *testing.T) {
	frame, err := NewOutputFrame(3, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"output":null}`, string(frame.Body))

	body, err := frame.Response()
	require.NoError(t, err)
	assert.Nil(t, body.Err)
}

func TestResponseBodyError(t *testing.T) {
	frame := NewErrorFrame(9, NewError(ErrNotSupported, "unknown method %q", "Nope"))

	var decoded ResponseBody
	require.NoError(t, json.Unmarshal(frame.Body, &decoded))
	require.NotNil(t, decoded.Err)
	assert.Equal(t, ErrNotSupported, decoded.Err.Code)
}

func TestFileTaggedUnion(t *testing.T) {
	var f File
	require.NoError(t, json.Unmarshal([]byte(`{"type":"url","url":"http://x/data.zip","hashsum":"ab"}`), &f))
	assert.Equal(t, FileTypeURL, f.Type)
	require.NoError(t, f.Validate())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"direct","content":"eA==","base64":true}`), &f))
	assert.True(t, f.Base64)

	f = File{Type: "inline"}
	assert.Error(t, f.Validate())
}

func TestJudgeValidate(t *testing.T) {
	user := Executable{Source: File{Type: FileTypeDirect, Content: "x"}}

	j := Judge{Type: JudgeTypeSpecial, User: user}
	assert.Error(t, j.Validate(), "special requires spj")

	j.SPJ = &user
	assert.NoError(t, j.Validate())

	j = Judge{Type: JudgeTypeNormal, User: user, SPJ: &user}
	assert.Error(t, j.Validate(), "normal must not carry spj")
}

func TestAcquireTokenValidation(t *testing.T) {
	req := AcquireTokenRequest{MaxTaskCount: 0}
	assert.Error(t, req.Validate())

	req.MaxTaskCount = 65
	assert.Error(t, req.Validate())

	req.MaxTaskCount = 8
	assert.NoError(t, req.Validate())
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	assert.Equal(t, 500, ErrUnknownError.HTTPStatus())
	assert.Equal(t, 501, ErrNotSupported.HTTPStatus())
	assert.Equal(t, 400, ErrInvalidRequest.HTTPStatus())
	assert.Equal(t, 403, ErrNotRegistered.HTTPStatus())
	assert.Equal(t, 400, ErrAlreadyConnected.HTTPStatus())
	assert.Equal(t, 401, ErrSignatureMismatch.HTTPStatus())
}
