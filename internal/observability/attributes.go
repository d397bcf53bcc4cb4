// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod        = "method"
	attrPath          = "path"
	attrStatus        = "status"
	attrPool          = "pool"
	attrResource      = "resource"
	attrOp            = "op"
	attrOrchestration = "orchestration"
	attrSuccess       = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func poolAttr(poolID string) attribute.KeyValue {
	return attribute.String(attrPool, poolID)
}

func resourceAttr(resource string) attribute.KeyValue {
	return attribute.String(attrResource, resource)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func orchestrationAttr(name string) attribute.KeyValue {
	return attribute.String(attrOrchestration, name)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// routeTemplates lists dynamic routes as segment patterns; "*" matches one id segment.
var routeTemplates = []struct {
	segments []string
	template string
}{
	{[]string{"v1", "batch", "jobs", "*"}, "/v1/batch/jobs/{jobId}"},
	{[]string{"v1", "batch", "jobs", "*", "tasks", "*", "stdout"}, "/v1/batch/jobs/{jobId}/tasks/{taskId}/stdout"},
	{[]string{"v1", "batch", "pools", "*"}, "/v1/batch/pools/{poolId}"},
	{[]string{"runtime", "webhooks", "durabletask", "instances", "*"}, "/runtime/webhooks/durabletask/instances/{instanceId}"},
	{[]string{"runtime", "webhooks", "durabletask", "instances", "*", "raiseEvent", "*"}, "/runtime/webhooks/durabletask/instances/{instanceId}/raiseEvent/{eventName}"},
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for _, rt := range routeTemplates {
		if matchSegments(rt.segments, segments) {
			return rt.template
		}
	}
	return path
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if p != segments[i] {
			return false
		}
	}
	return true
}
