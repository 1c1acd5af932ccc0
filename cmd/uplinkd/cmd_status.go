// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiAddr  string
	apiToken string
)

var commandStatus = &cobra.Command{
	Use:   "status",
	Short: "print the supervisor's link status",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiGet("/status")
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var commandHistory = &cobra.Command{
	Use:   "history",
	Short: "print recent rotation records",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiGet("/history")
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

func init() {
	for _, c := range []*cobra.Command{commandStatus, commandHistory, commandRotate} {
		c.Flags().StringVar(&apiAddr, "api", "127.0.0.1:8088", "control API address")
		c.Flags().StringVar(&apiToken, "token", os.Getenv("UPLINKD_TOKEN"), "bearer token")
		rootCmd.AddCommand(c)
	}
}

func apiDo(method, path string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(method, "http://"+apiAddr+path, nil)
	if err != nil {
		return nil, err
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, body)
	}
	return body, nil
}

func apiGet(path string) ([]byte, error) { return apiDo(http.MethodGet, path) }

func printJSON(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		// Not JSON; show it as-is.
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
