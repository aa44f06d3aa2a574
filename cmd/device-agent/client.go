package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shelterlink/device-agent/internal/api"
)

var httpClient = &http.Client{Timeout: 40 * time.Second}

// call sends a request to the running agent's control API and returns
// the decoded envelope. Rejections come back as errors.
func call(method, path string, body interface{}) (*api.Response, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = data
	}

	req, err := http.NewRequest(method, "http://"+apiAddr+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent not reachable at %s: %w", apiAddr, err)
	}
	defer resp.Body.Close()

	var out api.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !out.Success {
		return &out, fmt.Errorf("agent rejected request (HTTP %d): %s", resp.StatusCode, out.Error)
	}
	return &out, nil
}

func printData(data interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(data)
}

func showStatus(cmd *cobra.Command, args []string) error {
	resp, err := call(http.MethodGet, "/status", nil)
	if err != nil {
		return err
	}
	return printData(resp.Data)
}

func syncNow(cmd *cobra.Command, args []string) error {
	resp, err := call(http.MethodPost, "/sync", nil)
	if err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func setMode(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	resp, err := call(http.MethodPost, "/mode", map[string]string{
		"mode":   args[0],
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return printData(resp.Data)
}
