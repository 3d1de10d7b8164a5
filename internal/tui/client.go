package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/agentbridge/internal/controlplane"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/scheduler"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the agentbridge API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, data, out interface{}) error {
	var reader io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(jsonData)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// State fetches the aggregate daemon state.
func (c *Client) State() (*controlplane.DaemonState, error) {
	var state controlplane.DaemonState
	if err := c.get("/state", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Sessions fetches all sessions, newest first.
func (c *Client) Sessions() ([]models.Session, error) {
	var sessions []models.Session
	err := c.get("/sessions", &sessions)
	return sessions, err
}

// Messages fetches one session's transcript.
func (c *Client) Messages(sessionID string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.get("/sessions/"+sessionID+"/messages", &msgs)
	return msgs, err
}

// Tasks fetches all scheduled tasks.
func (c *Client) Tasks() ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	err := c.get("/tasks", &tasks)
	return tasks, err
}

// SchedulerLog fetches the scheduler event ring.
func (c *Client) SchedulerLog() ([]scheduler.LogEntry, error) {
	var entries []scheduler.LogEntry
	err := c.get("/scheduler/log", &entries)
	return entries, err
}

// Contacts fetches the allow list.
func (c *Client) Contacts() ([]models.Contact, error) {
	var contacts []models.Contact
	err := c.get("/contacts", &contacts)
	return contacts, err
}

// NewSession starts a fresh session.
func (c *Client) NewSession() (*models.Session, error) {
	var sess models.Session
	if err := c.post("/sessions", nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Abort cancels the running turn.
func (c *Client) Abort() (bool, error) {
	var result map[string]bool
	if err := c.post("/abort", nil, &result); err != nil {
		return false, err
	}
	return result["aborted"], nil
}

// RespondPermission resolves the pending permission request.
func (c *Client) RespondPermission(id string, allow bool, answer string) error {
	return c.post("/permission/respond", map[string]interface{}{
		"id":     id,
		"allow":  allow,
		"answer": answer,
	}, nil)
}

// SendInbound injects a chat message as the given sender.
func (c *Client) SendInbound(sender, text string) error {
	return c.post("/inbound", map[string]string{
		"sender": sender,
		"text":   text,
	}, nil)
}
