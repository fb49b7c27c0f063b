package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// FCMDispatcher posts JSON to an FCM HTTPv1 endpoint using a server key or
// oauth token. Used as the push fallback for clients without a live socket.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) push(clientID string, ev Event) error {
	body := map[string]interface{}{"message": map[string]interface{}{"token": clientID, "data": ev}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (f *FCMDispatcher) NotifyWorker(workerID string, ev Event) error {
	return f.push(workerID, ev)
}

func (f *FCMDispatcher) NotifyRequester(requesterID string, ev Event) error {
	return f.push(requesterID, ev)
}

// Composite tries the socket transport first and falls back to push.
type Composite struct {
	Primary  Notifier
	Fallback Notifier
}

func (c *Composite) NotifyWorker(workerID string, ev Event) error {
	if err := c.Primary.NotifyWorker(workerID, ev); err == nil {
		return nil
	}
	if c.Fallback == nil {
		return nil
	}
	return c.Fallback.NotifyWorker(workerID, ev)
}

func (c *Composite) NotifyRequester(requesterID string, ev Event) error {
	if err := c.Primary.NotifyRequester(requesterID, ev); err == nil {
		return nil
	}
	if c.Fallback == nil {
		return nil
	}
	return c.Fallback.NotifyRequester(requesterID, ev)
}
