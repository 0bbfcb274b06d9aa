package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var cleanDays int

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Purge notifications older than the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		url := fmt.Sprintf("%s/maintenance/clean-old?days=%d", serviceURL(), cleanDays)
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			fmt.Printf("Error connecting to notifications service: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Println("Cleanup failed. Status:", resp.Status)
			return
		}

		var result struct {
			Removed int64 `json:"removed"`
		}
		json.NewDecoder(resp.Body).Decode(&result)
		fmt.Printf("Removed %d old notifications\n", result.Removed)
	},
}

func init() {
	cleanCmd.Flags().IntVar(&cleanDays, "days", 90, "retention window in days")
	rootCmd.AddCommand(cleanCmd)
}
