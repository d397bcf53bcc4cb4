// Package notify builds the completion-signal task that reports a finished
// batch job to the orchestration engine.
//
// The signal task POSTs to the engine's raise-event webhook:
//
//	{base}/runtime/webhooks/durabletask/instances/{instanceId}/raiseEvent/{eventName}
//
// The engine delivers the event to the orchestration waiting on that name.
// Delivery is fire-and-forget: if the POST fails the instance keeps waiting.
package notify

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/batch"
	"batchbridge/internal/batchjob"
	"fmt"
	"net/url"
	"strings"
)

// WebhookPathPrefix is the route prefix the engine serves raise-event requests under.
const WebhookPathPrefix = "/runtime/webhooks/durabletask/instances/"

// Config locates the engine's webhook endpoint.
type Config struct {
	// BaseURL overrides the derived endpoint (CUSTOM_FUNCTION_HOST).
	BaseURL string
	// Hostname is the engine's public host name (WEBSITE_HOSTNAME).
	Hostname string
	// Key is an optional webhook key sent as the "code" query parameter.
	Key string
}

// CallbackBase returns the engine base URL the signal task calls.
//
// BaseURL wins over Hostname. A value without a scheme gets "http://" when it
// refers to localhost and "https://" otherwise.
func CallbackBase(cfg Config) (string, error) {
	host := cfg.BaseURL
	if host == "" {
		host = cfg.Hostname
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", apperrors.Validation("callbackBaseUrl", "callback base URL is not configured (set CUSTOM_FUNCTION_HOST or WEBSITE_HOSTNAME)")
	}
	if !strings.HasPrefix(host, "http") {
		if strings.Contains(host, "localhost") {
			host = "http://" + host
		} else {
			host = "https://" + host
		}
	}
	return strings.TrimRight(host, "/"), nil
}

// Protocol builds signal tasks for a configured engine endpoint.
type Protocol struct {
	cfg Config
}

// New creates a Protocol. Configuration errors surface when a signal task is built.
func New(cfg Config) *Protocol {
	return &Protocol{cfg: cfg}
}

// EventURL returns the raise-event URL for an instance and event name.
func (p *Protocol) EventURL(instanceID, eventName string) (string, error) {
	base, err := CallbackBase(p.cfg)
	if err != nil {
		return "", err
	}
	u := base + WebhookPathPrefix + url.PathEscape(instanceID) + "/raiseEvent/" + url.PathEscape(eventName)
	if p.cfg.Key != "" {
		u += "?" + url.Values{"code": {p.cfg.Key}}.Encode()
	}
	return u, nil
}

// Command returns the command line that raises the completion event for jobID.
// Windows node agents get a PowerShell command; all others a POSIX shell command.
func (p *Protocol) Command(instanceID, jobID, nodeAgentSKUID string) (string, error) {
	eventURL, err := p.EventURL(instanceID, batchjob.EventName(jobID))
	if err != nil {
		return "", err
	}
	if isWindowsAgent(nodeAgentSKUID) {
		return fmt.Sprintf(
			`powershell -Command "&{$done=@{ done=1 }; $json=$done | ConvertTo-Json; Invoke-WebRequest -UseBasicParsing -ContentType 'application/json' -Uri '%s' -Method POST -Body $json }"`,
			eventURL,
		), nil
	}
	return fmt.Sprintf(
		`/bin/sh -c "curl -fsS -X POST -H 'Content-Type: application/json' -d '{\"done\":1}' '%s'"`,
		eventURL,
	), nil
}

// SignalTask returns the completion-signal task for a job. It depends on every
// user task so it runs only after all of them finished.
func (p *Protocol) SignalTask(instanceID, jobID, nodeAgentSKUID string, userTaskIDs []string) (batch.TaskSpec, error) {
	cmd, err := p.Command(instanceID, jobID, nodeAgentSKUID)
	if err != nil {
		return batch.TaskSpec{}, err
	}
	dependsOn := make([]string, len(userTaskIDs))
	copy(dependsOn, userTaskIDs)
	return batch.TaskSpec{
		ID:          batchjob.SignalTaskID,
		CommandLine: cmd,
		DependsOn:   dependsOn,
	}, nil
}

func isWindowsAgent(nodeAgentSKUID string) bool {
	return strings.HasPrefix(strings.ToLower(nodeAgentSKUID), "batch.node.windows")
}
