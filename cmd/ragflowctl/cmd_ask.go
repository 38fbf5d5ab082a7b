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
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/RagflowBridge/services/ragflow"
	"github.com/spf13/cobra"
)

var askChatName string

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the RAGFlow assistant one question and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	Run:   runAskCommand,
}

func init() {
	askCmd.Flags().StringVar(&askChatName, "chat-name", "ragflowctl",
		"Name for the backend chat when CHAT_ID is not configured")
	rootCmd.AddCommand(askCmd)
}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")

	client, valves, err := loadClient()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	// Ctrl-C tears the stream down mid-answer.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	chatID := valves.ChatID
	if chatID == "" {
		var datasetIDs []string
		if valves.DatasetID != "" {
			datasetIDs = []string{valves.DatasetID}
		}
		chatID, err = client.CreateChat(ctx, askChatName, datasetIDs)
		if err != nil {
			log.Fatalf("Error creating chat: %v", err)
		}
	}

	sessionID, err := client.CreateSession(ctx, chatID)
	if err != nil {
		log.Fatalf("Error creating session: %v", err)
	}

	stream, err := client.StreamCompletion(ctx, chatID, sessionID, question, valves.Language)
	if err != nil {
		log.Fatalf("Error requesting completion: %v", err)
	}
	defer stream.Close()

	decoder := ragflow.NewDecoder(client.BaseURL())
	err = decoder.Decode(stream, func(event ragflow.Event) error {
		fmt.Print(event.Text)
		return nil
	})
	if err != nil {
		log.Fatalf("\nStream failed: %v", err)
	}
	fmt.Println()
}
