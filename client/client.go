package client

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/models"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	HostPort   string
	ApiKey     string
	UseTLS     bool
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// ErrorResponse mirrors the gateway's boundary error shape.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// APIError carries the gateway's discriminated error back to the caller.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.ErrorType, e.StatusCode, e.Message)
}

// Client is the API client for the mineguard controller.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	useTLS     bool
	skipVerify bool
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.HostPort == "" {
		return nil, fmt.Errorf("hostPort cannot be empty")
	}
	if cfg.ApiKey == "" {
		return nil, fmt.Errorf("apiKey cannot be empty")
	}

	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	baseURL, err := url.Parse(fmt.Sprintf("%s://%s", scheme, cfg.HostPort))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		apiKey:     cfg.ApiKey,
		useTLS:     cfg.UseTLS,
		skipVerify: cfg.SkipVerify,
		logger:     cfg.Logger.WithGroup("client"),
	}, nil
}

// ref addresses an instance by ID when the argument parses as a UUID, by
// name otherwise. The CLI deals in names; scripts deal in IDs.
type ref struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func makeRef(idOrName string) ref {
	if _, err := uuid.Parse(idOrName); err == nil {
		return ref{ID: idOrName}
	}
	return ref{Name: idOrName}
}

func (c *Client) Create(inst config.Instance) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.doRequest(http.MethodPost, "/api/v1/instances/create", nil, inst, &resp)
	return resp.ID, err
}

func (c *Client) Delete(idOrName string) error {
	return c.doRequest(http.MethodPost, "/api/v1/instances/delete", nil, makeRef(idOrName), nil)
}

func (c *Client) Start(idOrName string) error {
	return c.doRequest(http.MethodPost, "/api/v1/instances/start", nil, makeRef(idOrName), nil)
}

func (c *Client) Stop(idOrName string, graceful bool) error {
	body := struct {
		ref
		Graceful bool `json:"graceful"`
	}{ref: makeRef(idOrName), Graceful: graceful}
	return c.doRequest(http.MethodPost, "/api/v1/instances/stop", nil, body, nil)
}

func (c *Client) Restart(idOrName string) error {
	return c.doRequest(http.MethodPost, "/api/v1/instances/restart", nil, makeRef(idOrName), nil)
}

func (c *Client) Kill(idOrName string) error {
	return c.doRequest(http.MethodPost, "/api/v1/instances/kill", nil, makeRef(idOrName), nil)
}

func (c *Client) Acknowledge(idOrName string) error {
	return c.doRequest(http.MethodPost, "/api/v1/instances/ack", nil, makeRef(idOrName), nil)
}

func (c *Client) List(offset, limit int) (models.InstanceListResponse, error) {
	var resp models.InstanceListResponse
	params := map[string]string{
		"offset": strconv.Itoa(offset),
		"limit":  strconv.Itoa(limit),
	}
	err := c.doRequest(http.MethodGet, "/api/v1/instances/list", params, nil, &resp)
	return resp, err
}

func (c *Client) Status(idOrName string) (models.InstanceSummary, error) {
	var resp models.InstanceSummary
	err := c.doRequest(http.MethodGet, "/api/v1/instances/status", refParams(idOrName), nil, &resp)
	return resp, err
}

func (c *Client) ConsoleTail(idOrName string, lines int) ([]models.ConsoleLine, error) {
	var resp struct {
		Lines []models.ConsoleLine `json:"lines"`
	}
	params := refParams(idOrName)
	params["lines"] = strconv.Itoa(lines)
	err := c.doRequest(http.MethodGet, "/api/v1/instances/console/tail", params, nil, &resp)
	return resp.Lines, err
}

func (c *Client) ConsoleSend(idOrName string, line string) error {
	r := makeRef(idOrName)
	body := struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
		Line string `json:"line"`
	}{ID: r.ID, Name: r.Name, Line: line}
	return c.doRequest(http.MethodPost, "/api/v1/instances/console/send", nil, body, nil)
}

func refParams(idOrName string) map[string]string {
	r := makeRef(idOrName)
	if r.ID != "" {
		return map[string]string{"id": r.ID}
	}
	return map[string]string{"name": r.Name}
}

func (c *Client) doRequest(method, path string, queryParams map[string]string, body any, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request for %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed for %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.ErrorType != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorType:  errResp.ErrorType,
			Message:    errResp.Message,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		ErrorType:  "http_error",
		Message:    string(bytes.TrimSpace(data)),
	}
}
