package control

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/MrCodeEU/faceguard/pkg/enrollment"
	"github.com/MrCodeEU/faceguard/pkg/gallery"
	"github.com/MrCodeEU/faceguard/pkg/station"
)

// APIError is a non-2xx response from the control API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("control API returned %d: %s", e.Status, e.Message)
}

// Client talks to a running station's control API.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
}

// NewClient creates a client for the API at baseURL, e.g.
// http://127.0.0.1:8090. token may be empty when auth is disabled.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}
}

// BaseURLFor turns a listen address into a client base URL.
func BaseURLFor(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

func (c *Client) do(a *fiber.Agent, out interface{}) error {
	a.Timeout(c.timeout)
	if c.token != "" {
		a.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}

	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("control request failed: %w", errs[0])
	}
	if code >= fiber.StatusBadRequest {
		var eb ErrorBody
		if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Code != "" {
			return &APIError{Status: code, Code: eb.Error.Code, Message: eb.Error.Message}
		}
		return &APIError{Status: code, Message: strings.TrimSpace(string(body))}
	}
	if out == nil || code == fiber.StatusNoContent || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Status returns the station status.
func (c *Client) Status() (station.Status, error) {
	var st station.Status
	err := c.do(fiber.Get(c.baseURL+"/api/status"), &st)
	return st, err
}

// StartMonitoring starts the monitor.
func (c *Client) StartMonitoring() (station.Status, error) {
	var st station.Status
	err := c.do(fiber.Post(c.baseURL+"/api/monitor/start"), &st)
	return st, err
}

// StopMonitoring stops the monitor.
func (c *Client) StopMonitoring() (station.Status, error) {
	var st station.Status
	err := c.do(fiber.Post(c.baseURL+"/api/monitor/stop"), &st)
	return st, err
}

// Identities lists the enrolled identities.
func (c *Client) Identities() ([]gallery.Identity, error) {
	var resp struct {
		Identities []gallery.Identity `json:"identities"`
	}
	err := c.do(fiber.Get(c.baseURL+"/api/identities"), &resp)
	return resp.Identities, err
}

// DeleteIdentity removes name from the gallery.
func (c *Client) DeleteIdentity(name string) error {
	return c.do(fiber.Delete(c.baseURL+"/api/identities/"+url.PathEscape(name)), nil)
}

// BeginEnrollment starts capture for name.
func (c *Client) BeginEnrollment(name string) (enrollment.Status, error) {
	var st enrollment.Status
	err := c.do(fiber.Post(c.baseURL+"/api/enrollment").JSON(enrollRequest{Name: name}), &st)
	return st, err
}

// EnrollmentStatus reports on the current session.
func (c *Client) EnrollmentStatus() (enrollment.Status, error) {
	var st enrollment.Status
	err := c.do(fiber.Get(c.baseURL+"/api/enrollment"), &st)
	return st, err
}

// FinishEnrollment stores the captured identity.
func (c *Client) FinishEnrollment() (enrollment.Status, error) {
	var st enrollment.Status
	err := c.do(fiber.Post(c.baseURL+"/api/enrollment/finish"), &st)
	return st, err
}

// CancelEnrollment abandons the current session.
func (c *Client) CancelEnrollment() error {
	return c.do(fiber.Delete(c.baseURL+"/api/enrollment"), nil)
}

// ResetAlarm silences the alarm.
func (c *Client) ResetAlarm() error {
	return c.do(fiber.Post(c.baseURL+"/api/alarm/reset"), nil)
}
