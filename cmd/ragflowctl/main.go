// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log"

	"github.com/AleutianAI/RagflowBridge/services/bridge/config"
	"github.com/AleutianAI/RagflowBridge/services/ragflow"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ragflowctl",
	Short: "Operational CLI for a RAGFlow backend",
	Long: `ragflowctl talks directly to the RAGFlow API the bridge fronts.

Configuration comes from the same environment (or .env file) the bridge
uses: API_KEY, HOST, PORT, and optionally DATASET_ID, CHAT_ID and
ANSWER_LANG.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

// loadClient builds a RAGFlow client from the bridge environment.
func loadClient() (*ragflow.Client, *config.Valves, error) {
	valves, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return ragflow.NewClient(valves.Host, valves.Port, valves.APIKey), valves, nil
}
