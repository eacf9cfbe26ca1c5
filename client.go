package posten

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func NewClient(keyID, keySecret string, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:      host,
		keyID:     keyID,
		keySecret: keySecret,
		http:      http.DefaultClient,
	}
}

type Client struct {
	host      string
	keyID     string
	keySecret string
	http      *http.Client
}

type Receipt struct {
	MessageID  string   `json:"message_id"`
	From       string   `json:"from"`
	Rewritten  bool     `json:"rewritten"`
	Recipients []string `json:"recipients"`
	Jobs       []string `json:"jobs"`
}

type APIError struct {
	Status  int
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("posten api, status %d: %s", e.Status, e.Message)
}

func (c *Client) Send(ctx context.Context, email *Email) (Receipt, error) {

	body, err := json.Marshal(email)
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/mta", bytes.NewBuffer(body))
	if err != nil {
		return Receipt{}, err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Add("content-type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, err
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBytes, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBytes))
		}
		return Receipt{}, apiErr
	}

	var r Receipt
	err = json.Unmarshal(respBytes, &r)
	return r, err
}

// Status returns the state of a message sent by the same tenant, together with the outcome per recipient
func (c *Client) Status(ctx context.Context, messageID string) (MessageStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/messages/"+messageID, nil)
	if err != nil {
		return MessageStatus{}, err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	resp, err := c.http.Do(req)
	if err != nil {
		return MessageStatus{}, err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return MessageStatus{}, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBytes, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBytes))
		}
		return MessageStatus{}, apiErr
	}
	var s MessageStatus
	err = json.Unmarshal(respBytes, &s)
	return s, err
}
