package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type AlertKind string

const (
	AlertFailure           AlertKind = "failure"
	AlertRestartSuccess    AlertKind = "restart_success"
	AlertPersistentFailure AlertKind = "persistent_failure"
)

// Alert is one operator-facing event.
type Alert struct {
	Kind         AlertKind `json:"kind"`
	Worker       string    `json:"worker"`
	Message      string    `json:"message"`
	FailureCount int       `json:"failure_count"`
	RestartCount int       `json:"restart_count"`
	At           time.Time `json:"at"`
}

// AlertSink delivers alerts to a notification collaborator.
type AlertSink interface {
	Send(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the log.
type LogSink struct{}

func (LogSink) Send(_ context.Context, a Alert) error {
	switch a.Kind {
	case AlertRestartSuccess:
		logs.Infof("[%s] %s: %s (restarts: %d)", a.Kind, a.Worker, a.Message, a.RestartCount)
	default:
		logs.Errorf("[%s] %s: %s (failures: %d, restarts: %d)", a.Kind, a.Worker, a.Message, a.FailureCount, a.RestartCount)
	}
	return nil
}

// WebhookSink posts alerts as JSON.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (w WebhookSink) Send(ctx context.Context, a Alert) error {
	body, err := sonic.ConfigFastest.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook").With("url", w.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook %s returned %s", w.URL, resp.Status)
	}
	return nil
}

// MultiSink sends to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Send(ctx context.Context, a Alert) error {
	var failed []string
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, a); err != nil {
			failed = append(failed, fmt.Sprintf("%T: %v", s, err))
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("alert delivery failed: %v", failed)
	}
	return nil
}
