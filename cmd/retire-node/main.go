// Copyright 2025 Adobe. All rights reserved.
package main

import (
	"time"

	e2e "github.com/adobe/k8s-cycler/internal/testing"
	"github.com/adobe/k8s-cycler/pkg/utils"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var nodeNames []string
	var token, kubeconfigPath string

	cmd := &cobra.Command{
		Use:   "retire-node",
		Short: "Label nodes with a retirement token to stage a resumable pass",
		Run: func(cmd *cobra.Command, args []string) {
			if len(nodeNames) == 0 {
				log.Fatal("At least one node is required. Use --node flag")
			}
			if kubeconfigPath == "" {
				log.Fatal("Kubeconfig path is required. Use --retire-kubeconfig flag")
			}
			if token == "" {
				token = utils.NewRetirementToken(time.Now())
			}

			if err := e2e.RetireNodesForTesting(nodeNames, token, kubeconfigPath); err != nil {
				log.Fatalf("Failed to retire nodes: %v", err)
			}

			log.Infof("Successfully retired nodes %v, resume with --resume-token %s", nodeNames, token)
		},
	}
	cmd.Flags().StringSliceVar(&nodeNames, "node", nil, "Name of a node to retire, repeatable")
	cmd.Flags().StringVar(&token, "token", "", "Retirement token, the current unix time when empty")
	cmd.Flags().StringVar(&kubeconfigPath, "retire-kubeconfig", "", "Path to kubeconfig file")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
