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
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var uploadDatasetID string

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents into a RAGFlow dataset",
	Args:  cobra.MinimumNArgs(1),
	Run:   runUploadCommand,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadDatasetID, "dataset", "",
		"Target dataset id (defaults to DATASET_ID from the environment)")
	rootCmd.AddCommand(uploadCmd)
}

func runUploadCommand(cmd *cobra.Command, args []string) {
	client, valves, err := loadClient()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	datasetID := uploadDatasetID
	if datasetID == "" {
		datasetID = valves.DatasetID
	}
	if datasetID == "" {
		log.Fatal("Error: no dataset id; pass --dataset or set DATASET_ID")
	}

	statuses, err := client.UploadDocuments(context.Background(), datasetID, args)
	if err != nil {
		log.Fatalf("Error uploading documents: %v", err)
	}

	fmt.Printf("Uploaded %d document(s) to dataset %s:\n", len(statuses), datasetID)
	for _, s := range statuses {
		fmt.Printf("  %-30s %-10s %s\n", s.Name, s.Status, s.ID)
	}
}
