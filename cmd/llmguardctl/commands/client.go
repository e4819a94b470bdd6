// Package commands holds the llmguardctl subcommands. It is a thin HTTP
// client wrapper over the gateway's /health and /ops endpoints, trimmed
// from the teacher's pllm CLI down to the read-only ops surface this
// control plane exposes — no user/team/key/budget CRUD bodies live
// here, that surface is explicitly out of scope.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"
)

var (
	apiURL     string
	masterKey  string
	outputJSON bool
	opsToken   string
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func Configure(url, key string, jsonOut bool) {
	apiURL = url
	masterKey = key
	outputJSON = jsonOut
}

// ensureOpsToken exchanges the master key for a short-lived bearer
// token, caching it for the lifetime of the process.
func ensureOpsToken() (string, error) {
	if opsToken != "" {
		return opsToken, nil
	}
	req, err := http.NewRequest(http.MethodPost, apiURL+"/ops/token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Master-Key", masterKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange rejected: status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	opsToken = body.Token
	return opsToken, nil
}

// opsRequest issues an authenticated request against an /ops endpoint
// and decodes the JSON response into out.
func opsRequest(method, endpoint string, body interface{}, out interface{}) error {
	token, err := ensureOpsToken()
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, apiURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request rejected: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func outputJSONValue(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}

func outputTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for i, h := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, h)
	}
	_, _ = fmt.Fprintln(w)
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}
	_ = w.Flush()
}
