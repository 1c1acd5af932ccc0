// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

var commandRotate = &cobra.Command{
	Use:   "rotate",
	Short: "request a public-address rotation",
	Long: `Request a deep modem reset so the carrier assigns a fresh public
address. The request is applied at the supervisor's next tick; watch
'uplinkd status' or the rotation history for the outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := apiDo(http.MethodPost, "/rotate")
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}
