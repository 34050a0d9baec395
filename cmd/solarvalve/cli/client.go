package cli

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/solarvalve/internal/hub/history"
	"github.com/temoto/solarvalve/tele"
)

const clientTimeout = 10 * time.Second

// Client talks to hub admin API.
type Client struct {
	base string
	http *http.Client
}

// NewClient with nil transport uses http.DefaultTransport.
func NewClient(base string, transport http.RoundTripper) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Transport: transport, Timeout: clientTimeout},
	}
}

func (c *Client) Append(cmd tele.Command) (int, error) {
	b, err := tele.MarshalCommand(cmd)
	if err != nil {
		return 0, err
	}
	var result struct {
		Success     bool `json:"success"`
		QueueLength int  `json:"queue_length"`
	}
	if err = c.do(http.MethodPost, "/api/command", b, &result); err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, errors.Errorf("api append success=false")
	}
	return result.QueueLength, nil
}

func (c *Client) List() ([]tele.Command, error) {
	var result struct {
		Commands []json.RawMessage `json:"commands"`
	}
	if err := c.do(http.MethodGet, "/api/command", nil, &result); err != nil {
		return nil, err
	}
	cmds := make([]tele.Command, 0, len(result.Commands))
	for _, raw := range result.Commands {
		cmd, err := tele.ParseCommand(raw)
		if err != nil {
			return cmds, errors.Annotate(err, "api list")
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (c *Client) Metrics() (tele.Reading, error) {
	var r tele.Reading
	err := c.do(http.MethodGet, "/api/metrics", nil, &r)
	return r, err
}

func (c *Client) Data(timeframe string) (history.Data, error) {
	var d history.Data
	path := "/api/data"
	if timeframe != "" {
		path += "?timeframe=" + url.QueryEscape(timeframe)
	}
	err := c.do(http.MethodGet, path, nil, &d)
	return d, err
}

func (c *Client) do(method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return errors.Annotatef(err, "api %s %s", method, path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Annotatef(err, "api %s %s", method, path)
	}
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Annotatef(err, "api %s %s read", method, path)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return errors.Errorf("api %s %s status=%d error=%s", method, path, resp.StatusCode, e.Error)
		}
		return errors.Errorf("api %s %s status=%d", method, path, resp.StatusCode)
	}
	if err = json.Unmarshal(b, out); err != nil {
		return errors.Annotatef(err, "api %s %s decode", method, path)
	}
	return nil
}
