package protocol

import "fmt"

// AcquireTokenRequest registers a worker's declared capability.
type AcquireTokenRequest struct {
	MaxTaskCount uint32  `json:"maxTaskCount"`
	Name         *string `json:"name,omitempty"`
	CoreCount    *uint32 `json:"coreCount,omitempty"`
	Software     *string `json:"software,omitempty"`
}

// Validate enforces the registration bounds.
func (r *AcquireTokenRequest) Validate() error {
	if r.MaxTaskCount < 1 || r.MaxTaskCount > 64 {
		return fmt.Errorf("maxTaskCount must be in 1..=64, got %d", r.MaxTaskCount)
	}
	if r.Name != nil && len(*r.Name) > 256 {
		return fmt.Errorf("name is longer than 256 bytes")
	}
	if r.Software != nil && len(*r.Software) > 256 {
		return fmt.Errorf("software is longer than 256 bytes")
	}
	return nil
}

type AcquireTokenOutput struct {
	Token string `json:"token"`
}

// CreateJudgeRequest is the external caller's submission envelope.
type CreateJudgeRequest struct {
	Data         *File         `json:"data,omitempty"`
	DynamicFiles []DynamicFile `json:"dynamicFiles,omitempty"`
	Judge        Judge         `json:"judge"`
	Test         Test          `json:"test"`
	CallbackURLs CallbackURLs  `json:"callbackUrls"`
}

type CallbackURLs struct {
	Update string `json:"update"`
	Finish string `json:"finish"`
}

// Validate checks the judge variant and test shape.
func (r *CreateJudgeRequest) Validate() error {
	if err := r.Judge.Validate(); err != nil {
		return err
	}
	if r.Data != nil {
		if err := r.Data.Validate(); err != nil {
			return err
		}
	}
	switch r.Test.Policy {
	case TestPolicyFuse, TestPolicyAll:
	default:
		return fmt.Errorf("test: unknown policy %q", r.Test.Policy)
	}
	if len(r.Test.Cases) == 0 {
		return fmt.Errorf("test: at least one case is required")
	}
	return nil
}
