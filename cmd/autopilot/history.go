package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored runs of a resource, newest first",
	RunE:  runHistory,
}

var (
	historyResource string
	historyLimit    int
)

func init() {
	historyCmd.Flags().StringVarP(&historyResource, "resource", "r", "", "Resource id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs")
	historyCmd.MarkFlagRequired("resource")
}

func runHistory(cmd *cobra.Command, args []string) error {
	runStorage, err := openStorage()
	if err != nil {
		return err
	}
	defer runStorage.Close()

	records, err := runStorage.List(context.Background(), interfaces.RunListOptions{
		ResourceID: historyResource,
		Limit:      historyLimit,
	})
	if err != nil {
		return err
	}
	for _, record := range records {
		printRecord(record)
	}
	return nil
}
