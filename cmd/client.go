package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhubert/swarm/internal/session"
)

var serverAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Address of a running swarm server (default from config server.addr)")
}

// apiClient talks to a running `swarm serve`.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 2 * time.Minute}}, nil
}

type apiError struct {
	Status int
	Msg    string `json:"error"`
	Kind   string `json:"kind"`
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return e.Msg
}

func (c *apiClient) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach swarm server at %s (is `swarm serve` running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) listSessions(query url.Values) ([]session.Session, error) {
	var out []session.Session
	path := "/api/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return out, c.do(http.MethodGet, path, nil, &out)
}

func (c *apiClient) cancel(id string) (*session.Session, error) {
	var out session.Session
	if err := c.do(http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) files(id string) ([]session.EditedFileInfo, error) {
	var out []session.EditedFileInfo
	return out, c.do(http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/files", nil, &out)
}

type outputPage struct {
	Chunks []session.OutputChunk `json:"chunks"`
	Next   int                   `json:"next"`
}

func (c *apiClient) output(id string, from int, wait time.Duration) (outputPage, error) {
	var out outputPage
	path := fmt.Sprintf("/api/sessions/%s/output?from=%d", url.PathEscape(id), from)
	if wait > 0 {
		path += "&wait=" + wait.String()
	}
	return out, c.do(http.MethodGet, path, nil, &out)
}

func (c *apiClient) registry() ([]session.RegistryEvent, error) {
	var out []session.RegistryEvent
	return out, c.do(http.MethodGet, "/api/registry", nil, &out)
}
