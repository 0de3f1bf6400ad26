package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// adminClient talks to the admin API of a running `offsync serve`.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string) (*adminClient, error) {
	if addr == "" {
		return nil, NewExitError(ExitCommandError, "admin address is empty (set admin.listen or --admin)")
	}
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &adminClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// call sends a request and decodes a 2xx JSON answer into out.
func (c *adminClient) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "build admin request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return WrapExitError(ExitFailure, "admin server unreachable at "+c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapExitError(ExitFailure, "read admin response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return NewExitError(ExitFailure, fmt.Sprintf("admin %s %s: %d: %s", method, path, resp.StatusCode, msg))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return WrapExitError(ExitFailure, "decode admin response", err)
	}
	return nil
}
