package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var reloadAllCmd = &cobra.Command{
	Use:   "reload-all",
	Short: "Ask a running server to reload every connected display",
	RunE: func(cmd *cobra.Command, _ []string) error {
		server, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = os.Getenv("C3DS_API_TOKEN")
		}
		delayed, _ := cmd.Flags().GetBool("delayed")

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		n, err := reloadAll(ctx, http.DefaultClient, server, token, delayed)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reload sent to %d socket(s)\n", n)
		return nil
	},
}

func init() {
	f := reloadAllCmd.Flags()
	f.String("server", "http://127.0.0.1:8080", "control server base URL")
	f.String("token", "", "API token, defaults to $C3DS_API_TOKEN")
	f.Bool("delayed", true, "spread the reload over the displays' reload window")
}

type reloadResponse struct {
	OK      bool `json:"ok"`
	Sockets int  `json:"sockets"`
}

// reloadAll calls POST /api/reload and returns the number of sockets reached.
func reloadAll(ctx context.Context, hc *http.Client, server, token string, delayed bool) (int, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/api/reload")
	if err != nil {
		return 0, fmt.Errorf("server url: %w", err)
	}
	q := u.Query()
	q.Set("delayed", strconv.FormatBool(delayed))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("reload failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var out reloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Sockets, nil
}
