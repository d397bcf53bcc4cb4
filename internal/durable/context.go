package durable

import (
	"batchbridge/internal/apperrors"
	"context"
	"encoding/json"
	"fmt"
)

type orchestrationContext struct {
	host *Host
	inst *instance
}

func (c *orchestrationContext) InstanceID() string {
	return c.inst.id
}

func (c *orchestrationContext) GetInput(v any) error {
	if err := json.Unmarshal(c.inst.input, v); err != nil {
		return apperrors.Validation("input", fmt.Sprintf("invalid orchestration input: %v", err))
	}
	return nil
}

func (c *orchestrationContext) CallActivity(ctx context.Context, name string, input, out any) error {
	fail := func(err error) error {
		return &ActivityError{Name: name, InstanceID: c.inst.id, Cause: err}
	}

	fn, ok := c.host.activity(name)
	if !ok {
		return fail(apperrors.NotFound("activity", name))
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return fail(fmt.Errorf("encode input: %w", err))
	}

	result, err := runActivity(ctx, fn, &activityContext{instanceID: c.inst.id, input: raw})
	if err != nil {
		c.host.logger.Warn("Activity failed", "instanceId", c.inst.id, "activity", name, "error", err)
		return fail(err)
	}
	if out == nil {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fail(fmt.Errorf("encode output: %w", err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fail(fmt.Errorf("decode output: %w", err))
	}
	return nil
}

func runActivity(ctx context.Context, fn ActivityFunc, ac ActivityContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()
	return fn(ctx, ac)
}

func (c *orchestrationContext) WaitForExternalEvent(ctx context.Context, name string, out any) error {
	payload, err := c.inst.mailbox.wait(ctx, name)
	if err != nil {
		return fmt.Errorf("wait for event %s: %w", name, err)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode event %s: %w", name, err)
	}
	return nil
}

func (c *orchestrationContext) SetCustomStatus(status any) {
	raw, err := json.Marshal(status)
	if err != nil {
		c.host.logger.Warn("Custom status is not JSON-serialisable", "instanceId", c.inst.id, "error", err)
		return
	}
	c.inst.setCustom(raw)
}

type activityContext struct {
	instanceID string
	input      json.RawMessage
}

func (c *activityContext) InstanceID() string {
	return c.instanceID
}

func (c *activityContext) GetInput(v any) error {
	if err := json.Unmarshal(c.input, v); err != nil {
		return apperrors.Validation("input", fmt.Sprintf("invalid activity input: %v", err))
	}
	return nil
}

var (
	_ OrchestrationContext = (*orchestrationContext)(nil)
	_ ActivityContext      = (*activityContext)(nil)
)
